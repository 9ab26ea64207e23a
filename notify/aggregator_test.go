package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/scbc-app/fleetsync/internal"
	"github.com/scbc-app/fleetsync/pubsub"
	"github.com/scbc-app/fleetsync/store"
	"github.com/scbc-app/fleetsync/transport"
)

// alertsDoc covers every source plus the rows each deriver must skip: a
// rating above threshold, a row outside the rolling window, a completed
// follow-up, a far-future document expiry, a wrong-audience broadcast and an
// unparseable timestamp.
const alertsDoc = `{
	"inspections": [
		["truck","ts","rating"],
		["ZM123","2026-09-01T10:00:00Z","2"],
		["KV456","2026-09-01T09:00:00Z","4"],
		["TR789","2026-08-30T09:00:00Z","1"]
	],
	"followups": [
		["truck","ts","status","action"],
		["ZM123","2026-09-01T08:00:00Z","open","Replace brake pads"],
		["KV456","2026-09-01T08:30:00Z","done","Rotate tyres"]
	],
	"documents": [
		["truck","ts","doc","expires"],
		["ZM123","2026-09-01T07:00:00Z","insurance","2026-09-03"],
		["KV456","2026-09-01T07:30:00Z","registration","2026-12-01"]
	],
	"broadcasts": [
		["key","ts","audience","severity","title","message"],
		["maint-window","2026-09-01T11:00:00Z","all","info","Maintenance","Depot closed Sunday"],
		["sup-only","2026-09-01T11:30:00Z","supervisor","warning","Supervisors","Shift change"],
		["insp1-direct","2026-09-01T11:45:00Z","insp-1","info","Direct","Hello insp-1"],
		["badtime","not-a-time","all","info","Bad","never appears"]
	]
}`

type alertsClient struct {
	mu       sync.Mutex
	doc      string
	reads    int
	onFetch  func()
	writes   [][]byte
	writeErr error
}

func (c *alertsClient) ReadDocument(ctx context.Context, endpoint string) (*transport.Document, error) {
	c.mu.Lock()
	c.reads++
	raw := c.doc
	hook := c.onFetch
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return transport.ParseDocument([]byte(raw))
}

func (c *alertsClient) WriteRecord(ctx context.Context, endpoint string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, payload)
	return nil
}

func (c *alertsClient) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

type surfaceRecorder struct {
	mu       sync.Mutex
	surfaced []*pubsub.NotificationSurfaced
}

func (s *surfaceRecorder) Notify(chanName string, p pubsub.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := p.(*pubsub.NotificationSurfaced); ok {
		s.surfaced = append(s.surfaced, n)
	}
	return nil
}

func (s *surfaceRecorder) Close() error { return nil }

func (s *surfaceRecorder) popped() []*pubsub.NotificationSurfaced {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pubsub.NotificationSurfaced, len(s.surfaced))
	copy(out, s.surfaced)
	return out
}

func newTestAggregator(t *testing.T, kv store.KV, client *alertsClient) (*Aggregator, *surfaceRecorder) {
	t.Helper()
	clock := &internal.FrozenClock{T: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	rec := &surfaceRecorder{}
	a := New(kv, client, clock, rec)
	t.Cleanup(a.Teardown)
	return a, rec
}

func TestPollBuildsFeed(t *testing.T) {
	client := &alertsClient{doc: alertsDoc}
	a, _ := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")
	a.Poll(context.Background())

	feed := a.Feed()
	if len(feed) != 5 {
		t.Fatalf("feed has %d entries, want 5: %+v", len(feed), feed)
	}

	t.Log("Most recent first, with the supervisor-only broadcast excluded.")
	wantTitles := []string{"Direct", "Maintenance", "Critical inspection result", "Follow-up due", "Document expiry"}
	for i, want := range wantTitles {
		if feed[i].Title != want {
			t.Fatalf("feed[%d].Title = %q, want %q", i, feed[i].Title, want)
		}
	}
	for i := 1; i < len(feed); i++ {
		if feed[i].Timestamp.After(feed[i-1].Timestamp) {
			t.Fatalf("feed not sorted by recency at index %d", i)
		}
	}

	t.Log("Derived ids are deterministic functions of the source rows.")
	if got, want := feed[2].ID, DeriveID("inspection:ZM123", "2026-09-01T10:00:00Z"); got != want {
		t.Fatalf("inspection id = %q, want %q", got, want)
	}
	if feed[2].Severity != SeverityCritical || feed[2].Message != "Truck ZM123 rated 2" {
		t.Fatalf("inspection notification = %+v", feed[2])
	}
	if feed[4].Severity != SeverityWarning || !strings.Contains(feed[4].Message, "insurance expires 2026-09-03") {
		t.Fatalf("document notification = %+v", feed[4])
	}
}

func TestPollIsIdempotent(t *testing.T) {
	client := &alertsClient{doc: alertsDoc}
	a, rec := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")

	a.Poll(context.Background())
	a.Poll(context.Background())

	if got := len(a.Feed()); got != 5 {
		t.Fatalf("feed after two polls has %d entries, want 5", got)
	}
	t.Log("Only the first poll surfaces; the batch is already in the surfaced set.")
	if got := len(rec.popped()); got != 1 {
		t.Fatalf("surfaced payloads = %d, want 1", got)
	}
}

func TestBatchSurfacesNewestOnly(t *testing.T) {
	client := &alertsClient{doc: alertsDoc}
	a, rec := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")
	a.Poll(context.Background())

	popped := rec.popped()
	if len(popped) != 1 {
		t.Fatalf("surfaced payloads = %d, want exactly 1 for the whole batch", len(popped))
	}
	if popped[0].Title != "Direct" {
		t.Fatalf("surfaced %q, want the most recent entry Direct", popped[0].Title)
	}
}

func TestDismissExcludesAcrossPolls(t *testing.T) {
	client := &alertsClient{doc: alertsDoc}
	a, _ := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")
	a.Poll(context.Background())

	id := DeriveID("inspection:ZM123", "2026-09-01T10:00:00Z")
	a.Dismiss(id)
	if got := len(a.Feed()); got != 4 {
		t.Fatalf("feed after dismiss has %d entries, want 4", got)
	}

	a.Poll(context.Background())
	for _, n := range a.Feed() {
		if n.ID == id {
			t.Fatal("dismissed notification re-appeared on re-poll")
		}
	}
}

func TestReadStatePersistsAcrossInstances(t *testing.T) {
	kv := store.NewMemory()
	client := &alertsClient{doc: alertsDoc}
	a, _ := newTestAggregator(t, kv, client)
	a.SetIdentity("insp-1", "inspector")
	a.Poll(context.Background())
	id := DeriveID("broadcast:maint-window", "2026-09-01T11:00:00Z")
	a.MarkRead(id)
	a.Teardown()

	t.Log("A fresh aggregator over the same store inherits the exclusion sets.")
	b, rec := newTestAggregator(t, kv, client)
	b.SetIdentity("insp-1", "inspector")
	b.Poll(context.Background())

	var found *Notification
	for _, n := range b.Feed() {
		if n.ID == id {
			cp := n
			found = &cp
		}
	}
	if found == nil {
		t.Fatal("read notification missing from the feed")
	}
	if !found.Read {
		t.Fatal("read flag lost across instances")
	}
	if got := len(rec.popped()); got != 0 {
		t.Fatalf("surfaced payloads = %d, want 0: the batch was surfaced by the previous instance", got)
	}
}

func TestClearAll(t *testing.T) {
	client := &alertsClient{doc: alertsDoc}
	a, _ := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")
	a.Poll(context.Background())

	a.ClearAll()
	if got := len(a.Feed()); got != 0 {
		t.Fatalf("feed after ClearAll has %d entries, want 0", got)
	}
	a.Poll(context.Background())
	if got := len(a.Feed()); got != 0 {
		t.Fatalf("cleared notifications re-appeared on re-poll: %d entries", got)
	}
}

func TestAcknowledgeGlobally(t *testing.T) {
	client := &alertsClient{doc: alertsDoc}
	a, _ := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")
	a.Poll(context.Background())

	id := DeriveID("inspection:ZM123", "2026-09-01T10:00:00Z")
	a.AcknowledgeGlobally(context.Background(), id)

	if len(client.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(client.writes))
	}
	payload := client.writes[0]
	if got := gjson.GetBytes(payload, "id").String(); got != id {
		t.Fatalf("payload id = %q, want %q", got, id)
	}
	if got := gjson.GetBytes(payload, "acknowledged_by").String(); got != "insp-1" {
		t.Fatalf("payload acknowledged_by = %q", got)
	}
	for _, n := range a.Feed() {
		if n.ID == id {
			t.Fatal("acknowledged notification still in the feed")
		}
	}
}

func TestAcknowledgeKeepsLocalDismissalOnTransportFailure(t *testing.T) {
	client := &alertsClient{doc: alertsDoc, writeErr: internal.NewDataError(internal.KindNetwork, "no route")}
	a, _ := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")
	a.Poll(context.Background())

	id := DeriveID("inspection:ZM123", "2026-09-01T10:00:00Z")
	a.AcknowledgeGlobally(context.Background(), id)
	t.Log("The dismissal is not rolled back when the write cannot be delivered.")
	for _, n := range a.Feed() {
		if n.ID == id {
			t.Fatal("local dismissal rolled back on transport failure")
		}
	}
	a.Poll(context.Background())
	for _, n := range a.Feed() {
		if n.ID == id {
			t.Fatal("dismissed notification re-appeared on re-poll")
		}
	}
}

func TestPollWithoutIdentityIsNoOp(t *testing.T) {
	client := &alertsClient{doc: alertsDoc}
	a, rec := newTestAggregator(t, store.NewMemory(), client)
	a.Poll(context.Background())
	if client.readCount() != 0 {
		t.Fatal("anonymous poll touched the transport")
	}
	if len(a.Feed()) != 0 || len(rec.popped()) != 0 {
		t.Fatal("anonymous poll produced state")
	}
}

func TestPollResultDiscardedOnIdentityChange(t *testing.T) {
	client := &alertsClient{doc: alertsDoc}
	a, rec := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")
	client.onFetch = func() { a.ClearIdentity() }

	a.Poll(context.Background())
	if got := len(a.Feed()); got != 0 {
		t.Fatalf("feed has %d entries after a mid-poll logout, want 0", got)
	}
	if got := len(rec.popped()); got != 0 {
		t.Fatalf("surfaced payloads = %d after a mid-poll logout, want 0", got)
	}
}

func TestFeedIsCapped(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"broadcasts":[["key","ts","audience","severity","title","message"]`)
	for i := 0; i < maxFeed+10; i++ {
		ts := time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC).Add(-time.Duration(i) * time.Minute)
		fmt.Fprintf(&b, `,["bc-%d","%s","all","info","Broadcast %d","body"]`, i, ts.Format(time.RFC3339), i)
	}
	b.WriteString(`]}`)

	client := &alertsClient{doc: b.String()}
	a, _ := newTestAggregator(t, store.NewMemory(), client)
	a.SetIdentity("insp-1", "inspector")
	a.Poll(context.Background())

	feed := a.Feed()
	if len(feed) != maxFeed {
		t.Fatalf("feed has %d entries, want the cap %d", len(feed), maxFeed)
	}
	t.Log("The cap keeps the most recent entries.")
	if feed[0].Title != "Broadcast 0" || feed[maxFeed-1].Title != fmt.Sprintf("Broadcast %d", maxFeed-1) {
		t.Fatalf("cap kept the wrong entries: first %q, last %q", feed[0].Title, feed[maxFeed-1].Title)
	}
}

func TestDeriveIDStable(t *testing.T) {
	a := DeriveID("inspection:ZM123", "2026-09-01T10:00:00Z")
	b := DeriveID("inspection:ZM123", "2026-09-01T10:00:00Z")
	c := DeriveID("inspection:ZM123", "2026-09-01T10:00:01Z")
	if a != b {
		t.Fatalf("same inputs derived %q and %q", a, b)
	}
	if a == c {
		t.Fatal("different timestamps derived the same id")
	}
	if len(a) != 16 {
		t.Fatalf("id length = %d, want 16", len(a))
	}
}
