// Package exchange talks to the betting exchange: a JSON-RPC betting API
// plus certificate-login and keep-alive identity endpoints.
package exchange

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/oddsflow/goalbot/internal/config"
)

const rpcPrefix = "SportsAPING/v1.0/"

// Identity endpoint TLDs per licensing region. The betting API itself is
// shared; only login/keep-alive differ.
var regionTLDs = map[string]string{
	"global":  "com",
	"italy":   "it",
	"spain":   "es",
	"romania": "ro",
	"sweden":  "se",
}

// Client is the raw exchange transport. It holds no session state: every
// call takes the current token from the caller.
type Client struct {
	http         *http.Client
	appKey       string
	username     string
	password     string
	loginURL     string
	keepAliveURL string
	bettingURL   string
}

// NewClient builds the transport, loading the TLS client certificate
// required by the certificate-login endpoint.
func NewClient(cfg *config.Config) (*Client, error) {
	tld, ok := regionTLDs[cfg.Region]
	if !ok {
		return nil, fmt.Errorf("unknown exchange region %q", cfg.Region)
	}

	cert, err := loadKeyPair(cfg.CertFile, cfg.KeyFile, cfg.CertPassphrase)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: transport,
		},
		appKey:       cfg.AppKey,
		username:     cfg.Username,
		password:     cfg.Password,
		loginURL:     fmt.Sprintf("https://identitysso-cert.betfair.%s/api/certlogin", tld),
		keepAliveURL: fmt.Sprintf("https://identitysso.betfair.%s/api/keepAlive", tld),
		bettingURL:   "https://api.betfair.com/exchange/betting/json-rpc/v1",
	}, nil
}

// loadKeyPair reads the certificate pair, decrypting the key PEM when a
// passphrase is configured.
func loadKeyPair(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	if passphrase == "" {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM block in %s", keyFile)
	}
	//nolint:staticcheck // legacy encrypted PEM keys are what the exchange issues
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypt private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// ─── Identity endpoints ───────────────────────────────────────────────────────

type loginResponse struct {
	SessionToken string `json:"sessionToken"`
	LoginStatus  string `json:"loginStatus"`
}

// CertLogin exchanges credentials for a fresh session token.
func (c *Client) CertLogin(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Application", c.appKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if out.LoginStatus != "SUCCESS" {
		// The identity endpoint reports its failure reason as a status
		// string; it maps directly onto our error codes.
		return "", &APIError{Code: out.LoginStatus}
	}
	return out.SessionToken, nil
}

type keepAliveResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// KeepAlive extends the session. The endpoint may rotate the token; the
// returned value is the one to hold from now on.
func (c *Client) KeepAlive(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.keepAliveURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Application", c.appKey)
	req.Header.Set("X-Authentication", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out keepAliveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode keepAlive response: %w", err)
	}
	if out.Status != "SUCCESS" {
		return "", &APIError{Code: out.Error}
	}
	if out.Token != "" {
		return out.Token, nil
	}
	return token, nil
}

// ─── Betting RPC ──────────────────────────────────────────────────────────────

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type apingException struct {
	ErrorCode    string `json:"errorCode"`
	ErrorDetails string `json:"errorDetails"`
}

type rpcErrorData struct {
	Exception *apingException `json:"APINGException"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, token, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Method:  rpcPrefix + method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.bettingURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-Application", c.appKey)
	req.Header.Set("X-Authentication", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, string(b))
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		if envelope.Error.Data != nil && envelope.Error.Data.Exception != nil {
			ex := envelope.Error.Data.Exception
			return &APIError{Code: ex.ErrorCode, Message: ex.ErrorDetails}
		}
		return &APIError{Code: CodeUnexpectedError, Message: envelope.Error.Message}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// ListEventTypes returns the sports the account can see.
func (c *Client) ListEventTypes(ctx context.Context, token string, filter MarketFilter) ([]EventTypeResult, error) {
	var out []EventTypeResult
	params := map[string]any{"filter": filter}
	if err := c.call(ctx, token, "listEventTypes", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMarketCatalogue returns markets matching the filter, soonest first.
func (c *Client) ListMarketCatalogue(ctx context.Context, token string, filter MarketFilter, maxResults int) ([]MarketCatalogue, error) {
	var out []MarketCatalogue
	params := map[string]any{
		"filter":           filter,
		"marketProjection": []string{"EVENT", "MARKET_START_TIME", "RUNNER_DESCRIPTION"},
		"sort":             "FIRST_TO_START",
		"maxResults":       maxResults,
	}
	if err := c.call(ctx, token, "listMarketCatalogue", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMarketBook returns best-offer price data for the given markets.
func (c *Client) ListMarketBook(ctx context.Context, token string, marketIDs []string) ([]MarketBook, error) {
	var out []MarketBook
	params := map[string]any{
		"marketIds": marketIDs,
		"priceProjection": map[string]any{
			"priceData": []string{"EX_BEST_OFFERS"},
		},
	}
	if err := c.call(ctx, token, "listMarketBook", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceOrders submits limit orders to a market.
func (c *Client) PlaceOrders(ctx context.Context, token, marketID string, instructions []PlaceInstruction) (*PlaceExecutionReport, error) {
	var out PlaceExecutionReport
	params := map[string]any{
		"marketId":     marketID,
		"instructions": instructions,
	}
	if err := c.call(ctx, token, "placeOrders", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrders cancels working orders. The market id is mandatory context.
func (c *Client) CancelOrders(ctx context.Context, token, marketID string, instructions []CancelInstruction) (*CancelExecutionReport, error) {
	var out CancelExecutionReport
	params := map[string]any{
		"marketId":     marketID,
		"instructions": instructions,
	}
	if err := c.call(ctx, token, "cancelOrders", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCurrentOrders returns the live working-order view for the given refs.
func (c *Client) ListCurrentOrders(ctx context.Context, token string, betIDs []string) (*CurrentOrderSummaryReport, error) {
	var out CurrentOrderSummaryReport
	params := map[string]any{"betIds": betIDs}
	if err := c.call(ctx, token, "listCurrentOrders", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListClearedOrders returns the settled/cleared view for the given refs.
func (c *Client) ListClearedOrders(ctx context.Context, token string, betIDs []string) (*ClearedOrderSummaryReport, error) {
	var out ClearedOrderSummaryReport
	params := map[string]any{
		"betStatus": "SETTLED",
		"betIds":    betIDs,
	}
	if err := c.call(ctx, token, "listClearedOrders", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
