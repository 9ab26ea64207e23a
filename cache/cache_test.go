package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scbc-app/fleetsync/internal"
	"github.com/scbc-app/fleetsync/store"
	"github.com/scbc-app/fleetsync/transport"
)

const recordsDoc = `{
	"history": [
		["truck","date","rating","inspector","notes"],
		["ZM123","2026-09-01","2","insp-1","brakes worn"],
		["KV456","2026-09-01","4","insp-2","all clear"],
		["TR789","2026-08-30","n/a","insp-1","meter broken"]
	],
	"validation": [
		["kind","value"],
		["truck","ZM123"],
		["truck","KV456"],
		["route","R-7"],
		["defect","brakes"]
	],
	"server_version": "4.2"
}`

// docClient serves a canned document and counts fetches.
type docClient struct {
	fetches int64
	err     error
	// onFetch runs inside ReadDocument, before the document is returned
	onFetch func()

	mu  sync.Mutex
	doc string
}

func newDocClient() *docClient {
	return &docClient{doc: recordsDoc}
}

func (d *docClient) ReadDocument(ctx context.Context, endpoint string) (*transport.Document, error) {
	atomic.AddInt64(&d.fetches, 1)
	if d.onFetch != nil {
		d.onFetch()
	}
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	raw := d.doc
	d.mu.Unlock()
	return transport.ParseDocument([]byte(raw))
}

func (d *docClient) WriteRecord(ctx context.Context, endpoint string, payload []byte) error {
	return nil
}

func (d *docClient) fetchCount() int64 { return atomic.LoadInt64(&d.fetches) }

func newTestCache(t *testing.T) (*Cache, *docClient, *internal.FrozenClock) {
	t.Helper()
	client := newDocClient()
	clock := &internal.FrozenClock{T: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	c := New(store.NewMemory(), client, clock)
	c.SetActive("insp-1")
	return c, client, clock
}

func TestReadFetchesAndFiltersByInspector(t *testing.T) {
	c, client, clock := newTestCache(t)

	entry, err := c.Read(context.Background(), "insp-1", false)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if entry == nil {
		t.Fatal("Read returned no entry")
	}
	if client.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1", client.fetchCount())
	}
	if !entry.FetchedAt.Equal(clock.Now()) {
		t.Fatalf("FetchedAt = %v, want %v", entry.FetchedAt, clock.Now())
	}

	t.Log("insp-2's row is filtered out; the unparseable rating degrades to 0.")
	if len(entry.Records) != 2 {
		t.Fatalf("records = %+v, want 2 rows for insp-1", entry.Records)
	}
	if entry.Records[0].Truck != "ZM123" || entry.Records[0].Rating != 2 {
		t.Fatalf("first record = %+v", entry.Records[0])
	}
	if entry.Records[1].Truck != "TR789" || entry.Records[1].Rating != 0 {
		t.Fatalf("second record = %+v", entry.Records[1])
	}
}

func TestFreshEntryServedWithoutNetwork(t *testing.T) {
	c, client, clock := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Read(ctx, "insp-1", false); err != nil {
		t.Fatalf("Read: %s", err)
	}
	clock.Advance(c.TTL - time.Second)
	entry, err := c.Read(ctx, "insp-1", false)
	if err != nil {
		t.Fatalf("second Read: %s", err)
	}
	if entry == nil || len(entry.Records) != 2 {
		t.Fatalf("second Read entry = %+v", entry)
	}
	if client.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1: a fresh entry must not touch the network", client.fetchCount())
	}
}

func TestStaleEntryServedThenRevalidated(t *testing.T) {
	c, client, clock := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Read(ctx, "insp-1", false); err != nil {
		t.Fatalf("Read: %s", err)
	}
	fetchedAt := clock.Now()
	clock.Advance(c.TTL + time.Minute)

	entry, err := c.Read(ctx, "insp-1", false)
	if err != nil {
		t.Fatalf("stale Read: %s", err)
	}
	t.Log("The stale entry comes back synchronously, not the revalidated one.")
	if !entry.FetchedAt.Equal(fetchedAt) {
		t.Fatalf("FetchedAt = %v, want the stale stamp %v", entry.FetchedAt, fetchedAt)
	}

	t.Log("The background revalidation lands shortly after.")
	deadline := time.Now().Add(2 * time.Second)
	for client.fetchCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("fetches = %d, want 2: stale read never revalidated", client.fetchCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForceRefreshThrottled(t *testing.T) {
	c, client, clock := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Read(ctx, "insp-1", false); err != nil {
		t.Fatalf("Read: %s", err)
	}

	t.Log("A force inside the window is a no-op serving the cached entry.")
	clock.Advance(5 * time.Second)
	entry, err := c.Read(ctx, "insp-1", true)
	if err != nil {
		t.Fatalf("forced Read: %s", err)
	}
	if entry == nil {
		t.Fatal("throttled force returned no entry")
	}
	if client.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1: force inside the window must not fetch", client.fetchCount())
	}

	t.Log("Past the window the force goes through, TTL notwithstanding.")
	clock.Advance(11 * time.Second)
	if _, err := c.Read(ctx, "insp-1", true); err != nil {
		t.Fatalf("forced Read: %s", err)
	}
	if client.fetchCount() != 2 {
		t.Fatalf("fetches = %d, want 2", client.fetchCount())
	}
}

func TestOfflineServesStoredEntry(t *testing.T) {
	c, client, clock := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Read(ctx, "insp-1", false); err != nil {
		t.Fatalf("Read: %s", err)
	}
	c.SetOnline(false)
	clock.Advance(time.Hour)

	entry, err := c.Read(ctx, "insp-1", true)
	if err != nil {
		t.Fatalf("offline Read: %s", err)
	}
	if entry == nil || len(entry.Records) != 2 {
		t.Fatalf("offline Read entry = %+v", entry)
	}
	if client.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1: offline reads must not touch the network", client.fetchCount())
	}
}

func TestFetchFailureKeepsLastGood(t *testing.T) {
	c, client, clock := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Read(ctx, "insp-1", false); err != nil {
		t.Fatalf("Read: %s", err)
	}
	client.err = internal.NewDataError(internal.KindNetwork, "gateway timeout")
	clock.Advance(time.Hour)

	entry, err := c.Read(ctx, "insp-1", true)
	if err != nil {
		t.Fatalf("Read after transport failure: %s", err)
	}
	if entry == nil || len(entry.Records) != 2 {
		t.Fatalf("last-good entry lost: %+v", entry)
	}
}

func TestFetchResultDiscardedAfterLogout(t *testing.T) {
	c, client, _ := newTestCache(t)
	kvScope := store.ScopedKey("insp-1", historyResource)

	t.Log("The identity logs out while the fetch is on the wire.")
	client.onFetch = func() { c.SetActive("") }

	entry, err := c.Read(context.Background(), "insp-1", false)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if entry != nil {
		t.Fatalf("discarded fetch still produced an entry: %+v", entry)
	}
	if got := c.lookup(kvScope); got != nil {
		t.Fatalf("discarded fetch was persisted: %+v", got)
	}
}

func TestValidationListsRideAlong(t *testing.T) {
	c, _, _ := newTestCache(t)
	if _, err := c.Read(context.Background(), "insp-1", false); err != nil {
		t.Fatalf("Read: %s", err)
	}
	lists := c.Validation("insp-1")
	if lists == nil {
		t.Fatal("no validation lists stored")
	}
	if len(lists.Trucks) != 2 || lists.Trucks[0] != "ZM123" {
		t.Fatalf("Trucks = %v", lists.Trucks)
	}
	if len(lists.Routes) != 1 || lists.Routes[0] != "R-7" {
		t.Fatalf("Routes = %v", lists.Routes)
	}
	if len(lists.Defects) != 1 || lists.Defects[0] != "brakes" {
		t.Fatalf("Defects = %v", lists.Defects)
	}
}

func TestValidationMissingIsNil(t *testing.T) {
	c, _, _ := newTestCache(t)
	if lists := c.Validation("insp-1"); lists != nil {
		t.Fatalf("Validation before any fetch = %+v, want nil", lists)
	}
}

func TestClearActiveEvictsHotLayer(t *testing.T) {
	c, client, _ := newTestCache(t)
	ctx := context.Background()
	if _, err := c.Read(ctx, "insp-1", false); err != nil {
		t.Fatalf("Read: %s", err)
	}
	c.ClearActive("insp-1")
	c.SetActive("insp-1")

	t.Log("A re-read after eviction still works; it falls back to the store.")
	entry, err := c.Read(ctx, "insp-1", false)
	if err != nil {
		t.Fatalf("Read after ClearActive: %s", err)
	}
	if entry == nil || len(entry.Records) != 2 {
		t.Fatalf("entry after ClearActive = %+v", entry)
	}
	if client.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1: the persisted blob should satisfy the read", client.fetchCount())
	}
}
