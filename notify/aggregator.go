// Package notify derives the alert feed from several independent remote
// record sources plus an externally-authored broadcast channel. Derivation
// is idempotent: a notification's id is a deterministic function of
// immutable source fields, so re-polling the same rows can never duplicate
// an alert, and three independent exclusion sets (read, dismissed, already
// surfaced) are maintained per identity.
package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/scbc-app/fleetsync/internal"
	"github.com/scbc-app/fleetsync/pubsub"
	"github.com/scbc-app/fleetsync/store"
	"github.com/scbc-app/fleetsync/transport"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// PollInterval is how often the aggregator re-reads its sources while a
	// session is live.
	PollInterval = time.Minute

	// rollingWindow lets stale alerts self-expire without explicit cleanup;
	// it also bounds the growth of the exclusion sets.
	rollingWindow = 24 * time.Hour

	// maxFeed caps the merged feed after sorting by recency.
	maxFeed = 50

	alertsEndpoint = "alerts"
	ackEndpoint    = "ack"

	readResource      = "notif:read"
	dismissedResource = "notif:dismissed"
	surfacedResource  = "notif:surfaced"

	// criticalRating is the inspection rating at or below which a critical
	// alert is raised.
	criticalRating = 2
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Notification is one entry in the feed.
type Notification struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Severity     Severity  `json:"severity"`
	Timestamp    time.Time `json:"timestamp"`
	Read         bool      `json:"read"`
	SourceModule string    `json:"source_module,omitempty"`
	ActionRef    string    `json:"action_ref,omitempty"`
	Remote       bool      `json:"remote"`
}

// DeriveID builds a deterministic id from immutable source fields.
// Re-deriving from the same underlying record always yields the same id.
func DeriveID(sourceKey, sourceTimestamp string) string {
	sum := sha1.Sum([]byte(sourceKey + "|" + sourceTimestamp))
	return hex.EncodeToString(sum[:])[:16]
}

// Aggregator owns derived alert state for the current identity.
type Aggregator struct {
	kv       store.KV
	client   transport.Client
	clock    internal.Clock
	notifier pubsub.Notifier

	mu        sync.Mutex
	handle    string
	role      string
	polling   bool
	feed      []Notification
	read      map[string]struct{}
	dismissed map[string]struct{}
	surfaced  map[string]struct{}

	pollCounter     prometheus.Counter
	surfacedCounter prometheus.Counter
}

func New(kv store.KV, client transport.Client, clock internal.Clock, notifier pubsub.Notifier) *Aggregator {
	a := &Aggregator{
		kv:        kv,
		client:    client,
		clock:     clock,
		notifier:  notifier,
		read:      make(map[string]struct{}),
		dismissed: make(map[string]struct{}),
		surfaced:  make(map[string]struct{}),
		pollCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Subsystem: "notify",
			Name:      "poll_cycles_total",
			Help:      "Number of completed notification poll cycles",
		}),
		surfacedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Subsystem: "notify",
			Name:      "surfaced_total",
			Help:      "Number of pop-up alerts surfaced",
		}),
	}
	prometheus.MustRegister(a.pollCounter)
	prometheus.MustRegister(a.surfacedCounter)
	return a
}

// Teardown unregisters the aggregator's metrics. Tests building multiple
// aggregators must call it.
func (a *Aggregator) Teardown() {
	prometheus.Unregister(a.pollCounter)
	prometheus.Unregister(a.surfacedCounter)
}

// SetIdentity scopes the aggregator to an identity and loads its persisted
// exclusion sets. The feed starts empty until the first poll.
func (a *Aggregator) SetIdentity(handle, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle = handle
	a.role = role
	a.feed = nil
	a.read = a.loadSet(handle, readResource)
	a.dismissed = a.loadSet(handle, dismissedResource)
	a.surfaced = a.loadSet(handle, surfacedResource)
}

// ClearIdentity drops all in-memory state. Persisted sets are removed by the
// session manager's logout key sweep.
func (a *Aggregator) ClearIdentity() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle = ""
	a.role = ""
	a.feed = nil
	a.read = make(map[string]struct{})
	a.dismissed = make(map[string]struct{})
	a.surfaced = make(map[string]struct{})
}

// Feed returns a copy of the merged feed, most recent first.
func (a *Aggregator) Feed() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Notification, len(a.feed))
	copy(out, a.feed)
	return out
}

// Poll issues one fetch covering every record source, rebuilds the feed and
// surfaces at most one pop-up for the newly detected batch. Failures keep
// the last-good feed.
func (a *Aggregator) Poll(ctx context.Context) {
	a.mu.Lock()
	if a.polling || a.handle == "" {
		a.mu.Unlock()
		return
	}
	a.polling = true
	handle, role := a.handle, a.role
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.polling = false
		a.mu.Unlock()
	}()

	doc, err := a.client.ReadDocument(ctx, alertsEndpoint)
	if err != nil {
		internal.ReportBoundaryError(ctx, err)
		logger.Warn().Err(err).Msg("poll failed, keeping last-good feed")
		return
	}

	now := a.clock.Now()
	var candidates []Notification
	candidates = append(candidates, deriveInspections(doc, now)...)
	candidates = append(candidates, deriveFollowups(doc, now)...)
	candidates = append(candidates, deriveDocuments(doc, now)...)
	candidates = append(candidates, deriveBroadcasts(doc, now, handle, role)...)

	a.mu.Lock()
	if a.handle != handle {
		// identity changed while the fetch was in flight; the result is a
		// no-op rather than being applied to the new identity's state
		a.mu.Unlock()
		return
	}

	seen := make(map[string]struct{}, len(candidates))
	merged := candidates[:0]
	for _, n := range candidates {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		if _, excluded := a.dismissed[n.ID]; excluded {
			continue
		}
		seen[n.ID] = struct{}{}
		_, n.Read = a.read[n.ID]
		merged = append(merged, n)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	if len(merged) > maxFeed {
		merged = merged[:maxFeed]
	}
	a.feed = merged

	// batch surfacing: every new id is marked surfaced, but only the most
	// recent of the batch pops, to avoid pop-up spam after a long offline gap
	var newest *Notification
	newCount := 0
	for i := range merged {
		n := &merged[i]
		if _, ok := a.surfaced[n.ID]; ok {
			continue
		}
		if n.Read {
			continue
		}
		a.surfaced[n.ID] = struct{}{}
		newCount++
		if newest == nil {
			newest = n // feed is sorted most recent first
		}
	}
	if newCount > 0 {
		a.persistSet(handle, surfacedResource, a.surfaced)
	}
	a.pollCounter.Inc()
	a.mu.Unlock()

	if newest != nil {
		a.surfacedCounter.Inc()
		a.publishSurfaced(*newest)
	}
}

func (a *Aggregator) publishSurfaced(n Notification) {
	if a.notifier == nil {
		return
	}
	err := a.notifier.Notify(pubsub.ChanSurfaced, &pubsub.NotificationSurfaced{
		ID:       n.ID,
		Title:    n.Title,
		Message:  n.Message,
		Severity: string(n.Severity),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("cannot publish surfaced notification")
	}
}

// MarkRead adds id to the read set.
func (a *Aggregator) MarkRead(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle == "" {
		return
	}
	a.read[id] = struct{}{}
	for i := range a.feed {
		if a.feed[i].ID == id {
			a.feed[i].Read = true
		}
	}
	a.persistSet(a.handle, readResource, a.read)
}

// Dismiss removes id from the feed permanently. The id also joins the
// surfaced set so it can never pop again, even if it later becomes unread
// through a cache inconsistency.
func (a *Aggregator) Dismiss(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dismissLocked(id)
}

func (a *Aggregator) dismissLocked(id string) {
	if a.handle == "" {
		return
	}
	a.dismissed[id] = struct{}{}
	a.surfaced[id] = struct{}{}
	kept := a.feed[:0]
	for _, n := range a.feed {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	a.feed = kept
	a.persistSet(a.handle, dismissedResource, a.dismissed)
	a.persistSet(a.handle, surfacedResource, a.surfaced)
}

// ClearAll dismisses everything currently in the feed.
func (a *Aggregator) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle == "" {
		return
	}
	for _, n := range a.feed {
		a.dismissed[n.ID] = struct{}{}
		a.surfaced[n.ID] = struct{}{}
	}
	a.feed = nil
	a.persistSet(a.handle, dismissedResource, a.dismissed)
	a.persistSet(a.handle, surfacedResource, a.surfaced)
}

// AcknowledgeGlobally dismisses locally first, then makes a best-effort
// write so the exclusion becomes visible to other identities sharing the
// alert. Local state is not rolled back on transport failure; eventual
// convergence is acceptable here.
func (a *Aggregator) AcknowledgeGlobally(ctx context.Context, id string) {
	a.mu.Lock()
	handle := a.handle
	a.dismissLocked(id)
	a.mu.Unlock()
	if handle == "" {
		return
	}

	payload, err := sjson.SetBytes([]byte(`{}`), "id", id)
	if err != nil {
		return
	}
	payload, err = sjson.SetBytes(payload, "acknowledged_by", handle)
	if err != nil {
		return
	}
	if err := a.client.WriteRecord(ctx, ackEndpoint, payload); err != nil {
		logger.Warn().Err(err).Str("id", id).Msg("global acknowledge not delivered, keeping local dismissal")
	}
}

func (a *Aggregator) loadSet(handle, resource string) map[string]struct{} {
	set := make(map[string]struct{})
	blob, err := a.kv.Get(store.ScopedKey(handle, resource))
	if err != nil {
		return set
	}
	var ids []string
	if err := cbor.Unmarshal(blob, &ids); err != nil {
		logger.Warn().Err(err).Str("resource", resource).Msg("corrupt exclusion set ignored")
		return set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (a *Aggregator) persistSet(handle, resource string, set map[string]struct{}) {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	blob, err := cbor.Marshal(ids)
	if err != nil {
		return
	}
	if err := a.kv.Set(store.ScopedKey(handle, resource), blob); err != nil {
		logger.Warn().Err(err).Str("resource", resource).Msg("cannot persist exclusion set")
	}
}
