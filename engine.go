// Package fleetsync is the offline-resilient client synchronization engine
// behind the fleet-inspection app: one user session, a local read cache, a
// durable write backlog and a notification feed, kept coherent across
// unreliable connectivity and process restarts.
package fleetsync

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scbc-app/fleetsync/cache"
	"github.com/scbc-app/fleetsync/internal"
	"github.com/scbc-app/fleetsync/notify"
	"github.com/scbc-app/fleetsync/pubsub"
	"github.com/scbc-app/fleetsync/queue"
	"github.com/scbc-app/fleetsync/session"
	"github.com/scbc-app/fleetsync/store"
	"github.com/scbc-app/fleetsync/transport"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// submitTimeout bounds a direct (online) write attempt, matching the queue's
// per-send bound.
const submitTimeout = 15 * time.Second

// Status is the engine state visible to the UI layer. Errors never propagate
// upward as exceptions; these flags and the advisory channel are the only
// observable effects of failure.
type Status struct {
	LoggedIn             bool   `json:"logged_in"`
	Identity             string `json:"identity,omitempty"`
	Role                 string `json:"role,omitempty"`
	Online               bool   `json:"online"`
	IsSyncing            bool   `json:"is_syncing"`
	IsPoorConnection     bool   `json:"is_poor_connection"`
	SessionExpiredReason string `json:"session_expired_reason,omitempty"`
	PendingMutations     int    `json:"pending_mutations"`
}

// Engine wires the four managers together. The session manager gates the
// rest: no session means no polling and no queue draining. The cache and
// aggregator poll on a fixed interval and also revalidate reactively when
// connectivity returns.
type Engine struct {
	Sessions      *session.Manager
	Queue         *queue.Queue
	Cache         *cache.Cache
	Notifications *notify.Aggregator

	bus      *pubsub.PubSub
	notifier pubsub.Notifier
	client   transport.Client
	clock    internal.Clock

	mu         sync.Mutex
	online     bool
	syncing    bool
	lastHandle string
	done       chan struct{}
}

func NewEngine(kv store.KV, client transport.Client, bus *pubsub.PubSub, clock internal.Clock) *Engine {
	notifier := pubsub.NewPromNotifier(bus, "engine")
	e := &Engine{
		Sessions:      session.NewManager(kv, clock),
		Queue:         queue.New(kv, client, clock, notifier),
		Cache:         cache.New(kv, client, clock),
		Notifications: notify.New(kv, client, clock, notifier),
		bus:           bus,
		notifier:      notifier,
		client:        client,
		clock:         clock,
		online:        true,
		done:          make(chan struct{}),
	}
	e.Sessions.SetOnExpire(e.onSessionExpired)
	return e
}

// Start restores any persisted session, subscribes to connectivity
// transitions and begins the polling loop.
func (e *Engine) Start() {
	sess, err := e.Sessions.Restore()
	if err != nil {
		// storage corruption on restore: the manager already logged out;
		// starting anonymous beats partial recovery
		internal.ReportBoundaryError(context.Background(), err)
		logger.Err(err).Msg("session restore failed, starting anonymous")
	}
	if sess != nil {
		e.bindIdentity(sess)
	}
	go e.bus.Listen(pubsub.ChanConnectivity, e.onConnectivity)
	go e.loop()
	logger.Info().Bool("restored", sess != nil).Msg("engine started")
}

// Stop halts the polling loop, disarms the session watchdog and releases
// metrics registrations. It does not log the user out: the persisted session
// survives for the next start.
func (e *Engine) Stop() {
	close(e.done)
	e.Sessions.Disarm()
	e.Queue.Teardown()
	e.Notifications.Teardown()
	e.notifier.Close()
}

func (e *Engine) loop() {
	ticker := time.NewTicker(notify.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.pollTick()
		}
	}
}

// pollTick runs one polling cycle. Without a live session nothing runs.
func (e *Engine) pollTick() {
	sess := e.Sessions.Current()
	if sess == nil {
		return
	}
	ctx := context.Background()
	go e.Notifications.Poll(ctx)
	// the TTL decides whether this read touches the network at all
	go e.Cache.Read(ctx, sess.Identity.Handle, false)
}

// Login starts a session and scopes the cache and aggregator to it.
func (e *Engine) Login(id session.Identity) error {
	sess, err := e.Sessions.Login(id)
	if err != nil {
		return err
	}
	e.bindIdentity(sess)
	return nil
}

// Logout ends the session explicitly. The mutation backlog stays: pending
// writes survive logout/login cycles.
func (e *Engine) Logout() {
	sess := e.Sessions.Current()
	e.Sessions.Logout("")
	if sess != nil {
		e.unbindIdentity(sess.Identity.Handle)
	}
}

// RecordActivity forwards a UI-level input signal to the session manager.
func (e *Engine) RecordActivity() {
	e.Sessions.RecordActivity()
}

// SetConnectivity is the entry point for the host runtime's online/offline
// transitions.
func (e *Engine) SetConnectivity(online bool) {
	if err := e.bus.Notify(pubsub.ChanConnectivity, &pubsub.ConnectivityChanged{Online: online}); err != nil {
		logger.Warn().Err(err).Msg("cannot publish connectivity change")
	}
}

// Submit sends a write immediately when the connection allows it, and
// captures it into the offline backlog when offline or when the attempt
// fails with a network-class error.
func (e *Engine) Submit(ctx context.Context, endpoint string, payload []byte) {
	sess := e.Sessions.Current()
	handle := ""
	if sess != nil {
		handle = sess.Identity.Handle
	}
	e.mu.Lock()
	online := e.online
	e.mu.Unlock()

	if !online {
		e.Queue.Enqueue(endpoint, payload, handle)
		e.advise(pubsub.AdvisoryInfo, "Saved offline; will sync when the connection returns")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	err := e.client.WriteRecord(sendCtx, endpoint, transport.StampPayload(payload, handle, e.clock.Now()))
	if err == nil {
		return
	}
	if internal.Classify(err) == internal.KindNetwork {
		e.Queue.Enqueue(endpoint, payload, handle)
		e.advise(pubsub.AdvisoryWarning, "Poor connection; saved offline for later sync")
		return
	}
	internal.ReportBoundaryError(ctx, err)
	logger.Error().Err(err).Str("endpoint", endpoint).Msg("submit rejected by remote")
	e.advise(pubsub.AdvisoryWarning, "Submission was rejected by the server")
}

// Refresh force-refreshes the cache for the current identity; subject to the
// cache's refresh throttle.
func (e *Engine) Refresh(ctx context.Context) {
	sess := e.Sessions.Current()
	if sess == nil {
		return
	}
	e.Cache.Read(ctx, sess.Identity.Handle, true)
}

// Status snapshots the engine state flags.
func (e *Engine) Status() Status {
	e.mu.Lock()
	online, syncing := e.online, e.syncing
	e.mu.Unlock()
	st := Status{
		Online:               online,
		IsSyncing:            syncing,
		IsPoorConnection:     e.Queue.PoorConnection(),
		SessionExpiredReason: string(e.Sessions.ExpiredReason()),
		PendingMutations:     e.Queue.Len(),
	}
	if sess := e.Sessions.Current(); sess != nil {
		st.LoggedIn = true
		st.Identity = sess.Identity.Handle
		st.Role = string(sess.Identity.Role)
	}
	return st
}

func (e *Engine) onConnectivity(p pubsub.Payload) {
	cc, ok := p.(*pubsub.ConnectivityChanged)
	if !ok {
		return
	}
	e.mu.Lock()
	e.online = cc.Online
	e.mu.Unlock()
	e.Cache.SetOnline(cc.Online)
	logger.Info().Bool("online", cc.Online).Msg("connectivity changed")
	if !cc.Online {
		return
	}
	// back online: with a live session, drain the backlog and revalidate
	// reads. Anonymous means nothing runs, the backlog included; a surviving
	// backlog drains on the next login instead.
	if sess := e.Sessions.Current(); sess != nil {
		go e.drainBacklog()
		go e.Cache.Revalidate(context.Background(), sess.Identity.Handle)
		go e.Notifications.Poll(context.Background())
	}
}

func (e *Engine) drainBacklog() {
	e.mu.Lock()
	e.syncing = true
	e.mu.Unlock()
	e.Queue.Drain(context.Background())
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
}

func (e *Engine) bindIdentity(sess *session.Session) {
	e.mu.Lock()
	e.lastHandle = sess.Identity.Handle
	online := e.online
	e.mu.Unlock()
	e.Cache.SetActive(sess.Identity.Handle)
	e.Notifications.SetIdentity(sess.Identity.Handle, string(sess.Identity.Role))
	// a backlog left behind by a previous identity drains now that someone
	// is authenticated again
	if online {
		go e.drainBacklog()
	}
}

func (e *Engine) unbindIdentity(handle string) {
	e.Cache.ClearActive(handle)
	e.Notifications.ClearIdentity()
}

func (e *Engine) onSessionExpired(reason session.ExpiryReason) {
	e.mu.Lock()
	handle := e.lastHandle
	e.mu.Unlock()
	e.unbindIdentity(handle)
	switch reason {
	case session.ExpiredIdle:
		e.advise(pubsub.AdvisoryWarning, "Session expired after inactivity; please log in again")
	case session.ExpiredMaxDuration:
		e.advise(pubsub.AdvisoryWarning, "Session reached its maximum duration; please log in again")
	default:
		e.advise(pubsub.AdvisoryWarning, "Session ended; please log in again")
	}
}

func (e *Engine) advise(level pubsub.AdvisoryLevel, msg string) {
	if err := e.notifier.Notify(pubsub.ChanAdvisories, pubsub.NewAdvisory(level, msg)); err != nil {
		logger.Warn().Err(err).Msg("cannot publish advisory")
	}
}
