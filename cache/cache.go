// Package cache owns the read side of the engine: inspection history rows
// and the validation lists used by input forms. Reads are served from the
// device store immediately regardless of age; the network is only touched
// when an entry is stale, missing, or a force-refresh is demanded.
package cache

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/scbc-app/fleetsync/internal"
	"github.com/scbc-app/fleetsync/store"
	"github.com/scbc-app/fleetsync/transport"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultTTL = 5 * time.Minute

	// forceRefreshWindow bounds user-triggered refresh storms. It is
	// measured from the last actual network attempt for the scope, not from
	// the last cache hit, and is independent of the TTL.
	forceRefreshWindow = 15 * time.Second

	// recordsEndpoint serves both the history row-set and the validation
	// side-channel in one document.
	recordsEndpoint = "records"

	historyResource    = "cache:history"
	validationResource = "cache:validation"
)

// errFetchInFlight is returned when a fetch for the same scope is already
// running; callers fall back to whatever they already have.
var errFetchInFlight = errors.New("cache: fetch already in flight for scope")

// HistoryRecord is one inspection row in the scoped record shape.
type HistoryRecord struct {
	Truck     string `json:"truck" cbor:"truck"`
	Date      string `json:"date" cbor:"date"`
	Rating    int    `json:"rating" cbor:"rating"`
	Inspector string `json:"inspector" cbor:"inspector"`
	Notes     string `json:"notes" cbor:"notes"`
}

// Entry is the persisted per-scope cache blob. A fresher successful fetch
// always overwrites the whole entry; entries are never merged.
type Entry struct {
	ScopeKey  string          `cbor:"scope_key"`
	FetchedAt time.Time       `cbor:"fetched_at"`
	Records   []HistoryRecord `cbor:"records"`
}

// ValidationLists are the enumerations used for input validation elsewhere
// in the application. They change rarely and are cached outside the primary
// TTL.
type ValidationLists struct {
	Trucks  []string `cbor:"trucks"`
	Routes  []string `cbor:"routes"`
	Defects []string `cbor:"defects"`
}

// Cache is the revalidating read cache. The hot layer is an in-memory TTL
// cache over the persisted blobs; a hot miss falls back to the device store,
// so stale entries survive process restarts.
type Cache struct {
	TTL time.Duration

	kv     store.KV
	client transport.Client
	clock  internal.Clock

	hot *ttlcache.Cache[string, *Entry]

	mu          sync.Mutex
	online      bool
	active      string
	lastAttempt map[string]time.Time
	inFlight    map[string]bool
}

func New(kv store.KV, client transport.Client, clock internal.Clock) *Cache {
	return NewWithTTL(kv, client, clock, DefaultTTL)
}

func NewWithTTL(kv store.KV, client transport.Client, clock internal.Clock, ttl time.Duration) *Cache {
	return &Cache{
		TTL:    ttl,
		kv:     kv,
		client: client,
		clock:  clock,
		hot: ttlcache.New[string, *Entry](
			ttlcache.WithTTL[string, *Entry](ttl),
			ttlcache.WithDisableTouchOnHit[string, *Entry](),
		),
		online:      true,
		lastAttempt: make(map[string]time.Time),
		inFlight:    make(map[string]bool),
	}
}

// SetOnline records the host connectivity state. Offline reads never touch
// the network; they serve whatever is stored.
func (c *Cache) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

// SetActive nominates the identity whose fetch results may be applied. A
// fetch completing after its identity logged out is discarded rather than
// persisted into the next identity's state.
func (c *Cache) SetActive(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = handle
}

// ClearActive drops the active identity and evicts its hot-layer entries.
// Persisted blobs are cleared separately by the session manager's logout key
// sweep.
func (c *Cache) ClearActive(handle string) {
	c.mu.Lock()
	if c.active == handle {
		c.active = ""
	}
	c.mu.Unlock()
	prefix := store.ScopePrefix(handle)
	// ttlcache's Range does not tolerate deletion mid-iteration; collect the
	// matching keys first and evict after.
	var evict []string
	c.hot.Range(func(item *ttlcache.Item[string, *Entry]) bool {
		if strings.HasPrefix(item.Key(), prefix) {
			evict = append(evict, item.Key())
		}
		return true
	})
	for _, key := range evict {
		c.hot.Delete(key)
	}
}

// Read returns the history rows for handle. A stored entry is returned
// synchronously whenever it exists and force is false; if it is also within
// TTL no network call is made at all. A stale entry additionally kicks off a
// background revalidation. Forced or absent entries fetch synchronously, and
// when the network is unavailable the stale (or absent) entry is returned
// rather than an error.
func (c *Cache) Read(ctx context.Context, handle string, force bool) (*Entry, error) {
	scope := store.ScopedKey(handle, historyResource)
	entry := c.lookup(scope)
	now := c.clock.Now()

	if entry != nil && !force {
		if now.Sub(entry.FetchedAt) <= c.TTL {
			return entry, nil
		}
		go c.Revalidate(context.Background(), handle)
		return entry, nil
	}

	if force && !c.attemptAllowed(scope, now) {
		// force downgraded to a no-op inside the refresh window
		return entry, nil
	}

	fresh, err := c.fetch(ctx, handle, scope)
	if err != nil {
		// fail soft: keep last-good data
		return entry, nil
	}
	return fresh, nil
}

// Revalidate fetches unconditionally (subject to the in-flight guard),
// bypassing TTL and the force throttle. The engine invokes it on
// connectivity restoration and on scope changes.
func (c *Cache) Revalidate(ctx context.Context, handle string) {
	scope := store.ScopedKey(handle, historyResource)
	if _, err := c.fetch(ctx, handle, scope); err != nil && internal.Classify(err) != internal.KindNetwork {
		internal.ReportBoundaryError(ctx, err)
	}
}

// Validation returns the cached validation lists for handle, or nil if none
// have been stored yet.
func (c *Cache) Validation(handle string) *ValidationLists {
	blob, err := c.kv.Get(store.ScopedKey(handle, validationResource))
	if err != nil {
		return nil
	}
	var lists ValidationLists
	if err := cbor.Unmarshal(blob, &lists); err != nil {
		return nil
	}
	return &lists
}

// lookup serves from the hot layer, falling back to the device store for
// entries the hot layer has expired or never seen.
func (c *Cache) lookup(scope string) *Entry {
	if item := c.hot.Get(scope); item != nil {
		return item.Value()
	}
	blob, err := c.kv.Get(scope)
	if err != nil {
		return nil
	}
	var entry Entry
	if err := cbor.Unmarshal(blob, &entry); err != nil {
		logger.Warn().Err(err).Str("scope", scope).Msg("corrupt cache entry ignored")
		return nil
	}
	return &entry
}

// attemptAllowed implements the force-refresh throttle.
func (c *Cache) attemptAllowed(scope string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastAttempt[scope]
	return !ok || now.Sub(last) >= forceRefreshWindow
}

// fetch performs one network attempt for the scope and persists the result.
// It is reentrancy-guarded per scope: a read arriving while a fetch is in
// flight serves stale data instead of double-fetching.
func (c *Cache) fetch(ctx context.Context, handle, scope string) (*Entry, error) {
	c.mu.Lock()
	if c.inFlight[scope] {
		c.mu.Unlock()
		return nil, errFetchInFlight
	}
	if !c.online {
		c.mu.Unlock()
		return nil, internal.NewDataError(internal.KindNetwork, "offline")
	}
	c.inFlight[scope] = true
	c.lastAttempt[scope] = c.clock.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, scope)
		c.mu.Unlock()
	}()

	doc, err := c.client.ReadDocument(ctx, recordsEndpoint)
	if err != nil {
		logger.Warn().Err(err).Str("scope", scope).Msg("fetch failed, keeping last-good entry")
		return nil, err
	}

	entry := &Entry{
		ScopeKey:  scope,
		FetchedAt: c.clock.Now(),
		Records:   historyFromDocument(doc, handle),
	}

	c.mu.Lock()
	discarded := c.active != handle
	c.mu.Unlock()
	if discarded {
		// the identity logged out while the fetch was in flight; its result
		// must not leak into the next identity's state
		logger.Info().Str("scope", scope).Msg("fetch result discarded, identity no longer active")
		return nil, internal.NewDataError(internal.KindNetwork, "identity logged out mid-fetch")
	}

	blob, err := cbor.Marshal(entry)
	if err != nil {
		return nil, internal.NewDataError(internal.KindFatal, "cannot marshal cache entry: %s", err)
	}
	if err := c.kv.Set(scope, blob); err != nil {
		logger.Warn().Err(err).Str("scope", scope).Msg("cannot persist cache entry")
	}
	c.hot.Set(scope, entry, ttlcache.DefaultTTL)

	// validation side-channel rides along on the same request; a failure to
	// parse it never fails the primary read
	c.storeValidation(handle, doc)

	return entry, nil
}

func historyFromDocument(doc *transport.Document, handle string) []HistoryRecord {
	rs := doc.Set("history")
	records := make([]HistoryRecord, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		inspector := rs.Col(row, "inspector")
		if inspector != "" && inspector != handle {
			continue
		}
		rating, err := strconv.Atoi(rs.Col(row, "rating"))
		if err != nil {
			rating = 0
		}
		records = append(records, HistoryRecord{
			Truck:     rs.Col(row, "truck"),
			Date:      rs.Col(row, "date"),
			Rating:    rating,
			Inspector: inspector,
			Notes:     rs.Col(row, "notes"),
		})
	}
	return records
}

func (c *Cache) storeValidation(handle string, doc *transport.Document) {
	rs := doc.Set("validation")
	if len(rs.Rows) == 0 {
		return
	}
	var lists ValidationLists
	for _, row := range rs.Rows {
		kind := rs.Col(row, "kind")
		value := rs.Col(row, "value")
		if value == "" {
			continue
		}
		switch kind {
		case "truck":
			lists.Trucks = append(lists.Trucks, value)
		case "route":
			lists.Routes = append(lists.Routes, value)
		case "defect":
			lists.Defects = append(lists.Defects, value)
		}
	}
	blob, err := cbor.Marshal(&lists)
	if err != nil {
		return
	}
	if err := c.kv.Set(store.ScopedKey(handle, validationResource), blob); err != nil {
		logger.Warn().Err(err).Msg("cannot persist validation lists")
	}
}
