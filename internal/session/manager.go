// Package session owns the exchange session lifecycle: the credential
// exchange, the current token, and failure/backoff/ban bookkeeping.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oddsflow/goalbot/internal/exchange"
	"github.com/oddsflow/goalbot/internal/status"
)

// State of the logical session. Exactly one exists per process.
type State int

const (
	NoSession State = iota
	Active
	Blocked
	Backoff
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "NO_SESSION"
	case Active:
		return "ACTIVE"
	case Blocked:
		return "BLOCKED"
	case Backoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// Identity is the slice of the transport the manager needs.
type Identity interface {
	CertLogin(ctx context.Context) (string, error)
	KeepAlive(ctx context.Context, token string) (string, error)
}

// Clock abstracts time so tests can advance it instead of sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

const (
	banCooldown = 15 * time.Minute
	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute
)

// Manager is the single owner of the session token. All other components
// read the token through EnsureLogin and must never store it across an
// operation that reports it invalid.
type Manager struct {
	mu    sync.Mutex
	id    Identity
	clock Clock

	keepAliveEvery time.Duration

	token         string
	state         State
	blockedUntil  time.Time
	retryAt       time.Time
	backoff       time.Duration
	lastErr       error
	lastLoginAt   time.Time
	nextKeepAlive time.Time
}

// NewManager wires the lifecycle manager. A nil clock selects wall time.
func NewManager(id Identity, keepAliveEvery time.Duration, clock Clock) *Manager {
	if clock == nil {
		clock = systemClock{}
	}
	return &Manager{
		id:             id,
		clock:          clock,
		keepAliveEvery: keepAliveEvery,
		state:          NoSession,
		backoff:        backoffBase,
	}
}

// EnsureLogin returns the current token, logging in first if none is
// held. It never returns an error: failures are recorded as diagnostics
// and an empty token is returned. Ban cool-downs and backoff windows
// skip the attempt entirely.
func (m *Manager) EnsureLogin(ctx context.Context, trigger string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" {
		return m.token
	}

	now := m.clock.Now()
	switch m.state {
	case Blocked:
		if now.Before(m.blockedUntil) {
			log.Debug().Str("trigger", trigger).Time("until", m.blockedUntil).Msg("Login blocked, skipping attempt")
			return ""
		}
		m.state = NoSession
	case Backoff:
		if now.Before(m.retryAt) {
			return ""
		}
		m.state = NoSession
	}

	token, err := m.id.CertLogin(ctx)
	if err != nil {
		m.recordLoginFailure(now, trigger, err)
		return ""
	}

	m.adoptToken(now, token)
	status.Logins.WithLabelValues("success").Inc()
	log.Info().Str("trigger", trigger).Msg("🔐 Logged in to exchange")
	return m.token
}

func (m *Manager) recordLoginFailure(now time.Time, trigger string, err error) {
	m.lastErr = err
	status.Logins.WithLabelValues("failure").Inc()

	if exchange.IsBanned(err) {
		m.state = Blocked
		m.blockedUntil = now.Add(banCooldown)
		log.Error().Err(err).Str("trigger", trigger).Time("until", m.blockedUntil).
			Msg("🚫 Login banned, entering cool-down")
		return
	}

	m.state = Backoff
	m.retryAt = now.Add(m.backoff)
	log.Warn().Err(err).Str("trigger", trigger).Dur("backoff", m.backoff).
		Msg("Login failed, backing off")

	m.backoff *= 2
	if m.backoff > backoffCap {
		m.backoff = backoffCap
	}
}

func (m *Manager) adoptToken(now time.Time, token string) {
	m.token = token
	m.state = Active
	m.backoff = backoffBase
	m.lastErr = nil
	m.lastLoginAt = now
	m.nextKeepAlive = now.Add(m.keepAliveEvery)
	status.SessionHeld.Set(1)
}

// Token returns the held token without triggering a login.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Invalidate drops the held token, typically because a call reported it
// invalid. The next EnsureLogin performs a fresh credential exchange.
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return
	}
	m.token = ""
	m.state = NoSession
	status.SessionHeld.Set(0)
	log.Warn().Str("reason", reason).Msg("Session invalidated")
}

// RenewIfDue runs the periodic keep-alive when the renewal time has
// passed. On success any rotated token is adopted; on failure the token
// is invalidated and a re-login is attempted immediately.
func (m *Manager) RenewIfDue(ctx context.Context) {
	m.mu.Lock()
	if m.token == "" || m.clock.Now().Before(m.nextKeepAlive) {
		m.mu.Unlock()
		return
	}
	token := m.token
	m.mu.Unlock()

	renewed, err := m.id.KeepAlive(ctx, token)
	if err != nil {
		log.Warn().Err(err).Msg("Keep-alive failed, re-authenticating")
		m.Invalidate("keep-alive failure")
		m.EnsureLogin(ctx, "keep-alive recovery")
		return
	}

	m.mu.Lock()
	now := m.clock.Now()
	if m.token == token { // nobody invalidated us mid-call
		m.token = renewed
		m.nextKeepAlive = now.Add(m.keepAliveEvery)
	}
	m.mu.Unlock()
	log.Debug().Msg("Session renewed")
}

// Run drives keep-alive renewal until the context is cancelled. It
// checks once a minute; RenewIfDue decides against the injected clock.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(time.Minute):
			m.RenewIfDue(ctx)
		}
	}
}

// Snapshot is a read-only view of the session diagnostics for the
// status surface.
type Snapshot struct {
	TokenHeld     bool
	State         string
	LastError     string
	BlockedUntil  time.Time
	RetryAt       time.Time
	LastLoginAt   time.Time
	NextKeepAlive time.Time
}

// Snapshot returns the current diagnostics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		TokenHeld:     m.token != "",
		State:         m.state.String(),
		BlockedUntil:  m.blockedUntil,
		RetryAt:       m.retryAt,
		LastLoginAt:   m.lastLoginAt,
		NextKeepAlive: m.nextKeepAlive,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}
