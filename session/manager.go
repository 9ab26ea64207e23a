// Package session owns the authenticated-identity lifecycle and its timeout
// policy. No session means no polling and no queue draining: the session
// manager gates every other manager in the engine.
package session

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/scbc-app/fleetsync/internal"
	"github.com/scbc-app/fleetsync/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Role is the coarse authorisation level carried by an identity.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	// RoleInspector is the least-privileged role; unrecognised role values
	// degrade to it.
	RoleInspector Role = "inspector"
)

// NormalizeRole validates a persisted role value against the fixed
// enumeration.
func NormalizeRole(r string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(r))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleSupervisor:
		return RoleSupervisor
	case RoleInspector:
		return RoleInspector
	default:
		return RoleInspector
	}
}

// Identity is the authenticated principal.
type Identity struct {
	Handle     string `cbor:"handle"`
	Name       string `cbor:"name"`
	Role       Role   `cbor:"role"`
	NeedsSetup bool   `cbor:"needs_setup"`
}

// Session pairs an identity with its timeout bookkeeping.
// Invariant: LastActivityAt >= StartedAt.
type Session struct {
	Identity       Identity  `cbor:"identity"`
	StartedAt      time.Time `cbor:"started_at"`
	LastActivityAt time.Time `cbor:"last_activity_at"`
}

// ExpiryReason says why the last session ended.
type ExpiryReason string

const (
	ExpiredIdle        ExpiryReason = "idle"
	ExpiredMaxDuration ExpiryReason = "max_duration"
	// ExpiredCorrupt marks a session destroyed because its persisted blob
	// could not be decoded. Immediate logout beats partial recovery.
	ExpiredCorrupt ExpiryReason = "corrupt"
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMaxSession  = 12 * time.Hour

	sessionResource  = "session"
	activityResource = "lastactive"

	// watchdogInterval is how often the timeout check fires while a session
	// is live.
	watchdogInterval = time.Minute

	// activityWriteWindow bounds LastActivityAt store writes under
	// high-frequency input: at most one write per rolling window.
	activityWriteWindow = time.Second
)

// Manager is the session lifecycle manager. The watchdog timer handle is a
// singleton: re-arming stops the previous timer rather than stacking a
// second one.
type Manager struct {
	IdleTimeout time.Duration
	MaxSession  time.Duration

	kv    store.KV
	clock internal.Clock

	mu                sync.Mutex
	current           *Session
	expiredReason     ExpiryReason
	lastActivityWrite time.Time
	watchdog          *time.Timer
	onExpire          func(reason ExpiryReason)
}

func NewManager(kv store.KV, clock internal.Clock) *Manager {
	return &Manager{
		IdleTimeout: DefaultIdleTimeout,
		MaxSession:  DefaultMaxSession,
		kv:          kv,
		clock:       clock,
	}
}

// SetOnExpire registers the callback fired when the watchdog destroys the
// session. The engine uses it to tear down the other managers.
func (m *Manager) SetOnExpire(fn func(reason ExpiryReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Restore loads the persisted session on process start. It returns nil with
// no error when there is nothing to restore; an undecodable blob destroys
// the session and returns a fatal error.
func (m *Manager) Restore() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handleRaw, err := m.kv.Get(store.ActiveIdentityKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, internal.NewDataError(internal.KindFatal, "restore: cannot read active identity: %s", err)
	}
	handle := string(handleRaw)

	blob, err := m.kv.Get(store.ScopedKey(handle, sessionResource))
	if errors.Is(err, store.ErrNotFound) {
		// index key with no blob behind it; clean up and start anonymous
		m.kv.Remove(store.ActiveIdentityKey)
		return nil, nil
	}
	if err != nil {
		return nil, internal.NewDataError(internal.KindFatal, "restore: cannot read session: %s", err)
	}
	var sess Session
	if err := cbor.Unmarshal(blob, &sess); err != nil {
		logger.Err(err).Msg("restore: corrupt session blob, logging out")
		m.current = &Session{Identity: Identity{Handle: handle}}
		m.destroyLocked(ExpiredCorrupt)
		return nil, internal.NewDataError(internal.KindFatal, "restore: corrupt session blob: %s", err)
	}

	// the activity stamp lives under its own key so that coalesced writes
	// don't rewrite the whole session blob
	if actBlob, err := m.kv.Get(store.ScopedKey(handle, activityResource)); err == nil {
		var at time.Time
		if err := cbor.Unmarshal(actBlob, &at); err == nil && at.After(sess.LastActivityAt) {
			sess.LastActivityAt = at
		}
	}
	if sess.LastActivityAt.Before(sess.StartedAt) {
		sess.LastActivityAt = sess.StartedAt
	}

	now := m.clock.Now()
	if now.Sub(sess.StartedAt) > m.MaxSession {
		m.current = &sess
		m.destroyLocked(ExpiredMaxDuration)
		return nil, nil
	}

	sess.Identity.Role = NormalizeRole(string(sess.Identity.Role))
	sess.Identity.NeedsSetup = sess.Identity.NeedsSetup || sess.Identity.Name == ""
	m.current = &sess
	m.expiredReason = ""
	m.lastActivityWrite = now
	m.armWatchdogLocked()
	logger.Info().Str("identity", sess.Identity.Handle).Msg("session restored")
	return m.copyCurrentLocked(), nil
}

// Login starts a fresh session for id, stamping both timestamps with the
// current time.
func (m *Manager) Login(id Identity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	id.Role = NormalizeRole(string(id.Role))
	id.NeedsSetup = id.NeedsSetup || id.Name == ""
	sess := &Session{Identity: id, StartedAt: now, LastActivityAt: now}

	blob, err := cbor.Marshal(sess)
	if err != nil {
		return nil, internal.NewDataError(internal.KindFatal, "login: cannot marshal session: %s", err)
	}
	if err := m.kv.Set(store.ScopedKey(id.Handle, sessionResource), blob); err != nil {
		return nil, internal.NewDataError(internal.KindFatal, "login: cannot persist session: %s", err)
	}
	if err := m.kv.Set(store.ActiveIdentityKey, []byte(id.Handle)); err != nil {
		return nil, internal.NewDataError(internal.KindFatal, "login: cannot persist active identity: %s", err)
	}

	m.current = sess
	m.expiredReason = ""
	m.lastActivityWrite = now
	m.armWatchdogLocked()
	logger.Info().Str("identity", id.Handle).Str("role", string(id.Role)).Msg("session started")
	return m.copyCurrentLocked(), nil
}

// RecordActivity notes a user-input signal. The in-memory stamp always
// moves; the store write is coalesced to at most one per rolling second.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	now := m.clock.Now()
	m.current.LastActivityAt = now
	if now.Sub(m.lastActivityWrite) < activityWriteWindow {
		return
	}
	m.lastActivityWrite = now
	blob, err := cbor.Marshal(now)
	if err != nil {
		return
	}
	if err := m.kv.Set(store.ScopedKey(m.current.Identity.Handle, activityResource), blob); err != nil {
		logger.Warn().Err(err).Msg("cannot persist activity stamp")
	}
}

// Tick runs one watchdog pass: idle expiry first, then absolute expiry. The
// watchdog fires it once a minute while a session is live; it is exported so
// tests can drive it against a frozen clock.
func (m *Manager) Tick() {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	var reason ExpiryReason
	if now.Sub(m.current.LastActivityAt) > m.IdleTimeout {
		reason = ExpiredIdle
	} else if now.Sub(m.current.StartedAt) > m.MaxSession {
		reason = ExpiredMaxDuration
	}
	if reason == "" {
		m.mu.Unlock()
		return
	}
	m.destroyLocked(reason)
	fire := m.onExpire
	m.mu.Unlock()
	if fire != nil {
		fire(reason)
	}
}

// Disarm stops the watchdog without ending the session. The engine calls it
// on shutdown: the persisted session survives for the next start, but no
// timer may outlive the engine.
func (m *Manager) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

// Logout destroys the session explicitly. Pass "" for a user-initiated
// logout, or a reason to record why the session ended.
func (m *Manager) Logout(reason ExpiryReason) {
	m.mu.Lock()
	m.destroyLocked(reason)
	m.mu.Unlock()
}

// Current returns a copy of the live session, or nil when anonymous.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyCurrentLocked()
}

// ExpiredReason reports why the last session ended, or "" if it hasn't, or
// ended by explicit logout.
func (m *Manager) ExpiredReason() ExpiryReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiredReason
}

func (m *Manager) copyCurrentLocked() *Session {
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// destroyLocked disarms the watchdog and clears every session-scoped key.
// The mutation queue key is identity-agnostic and lives outside the scope
// prefix: pending writes survive logout/login cycles.
func (m *Manager) destroyLocked(reason ExpiryReason) {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if m.current != nil {
		handle := m.current.Identity.Handle
		keys, err := m.kv.ListKeys(store.ScopePrefix(handle))
		if err != nil {
			logger.Err(err).Str("identity", handle).Msg("logout: cannot enumerate session keys")
		}
		for _, k := range keys {
			internal.Assert("scoped keys never include the queue key", k != store.QueueKey)
			if err := m.kv.Remove(k); err != nil {
				logger.Warn().Err(err).Str("key", k).Msg("logout: cannot remove key")
			}
		}
		if err := m.kv.Remove(store.ActiveIdentityKey); err != nil {
			logger.Warn().Err(err).Msg("logout: cannot remove active identity key")
		}
		logger.Info().Str("identity", handle).Str("reason", string(reason)).Msg("session destroyed")
	}
	m.current = nil
	if reason != "" {
		m.expiredReason = reason
	}
}

// armWatchdogLocked stops any previous timer and starts a fresh one. The
// handle must never stack: two live timers would double-fire ticks.
func (m *Manager) armWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	m.watchdog = time.AfterFunc(watchdogInterval, m.watchdogFire)
}

func (m *Manager) watchdogFire() {
	m.Tick()
	m.mu.Lock()
	// a fire racing a Disarm must not resurrect the timer
	if m.current != nil && m.watchdog != nil {
		m.armWatchdogLocked()
	}
	m.mu.Unlock()
}
