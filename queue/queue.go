// Package queue is the durable, ordered, retrying mutation queue for writes
// made while offline. The backlog is one CBOR-serialised list under a single
// store key, processed strictly head-first: a mutation leaves the list if and
// only if its transport attempt is confirmed submitted.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

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
	// sendTimeout bounds each transport attempt; the request is aborted at
	// the deadline and the head stays queued.
	sendTimeout = 15 * time.Second
	// interItemDelay spaces successful sends so a marginal connection isn't
	// overwhelmed by a burst of backed-up writes.
	interItemDelay = time.Second
)

// Mutation is one pending write captured while offline. Payloads are opaque
// to the queue beyond the identity/timestamp stamp applied at enqueue time.
type Mutation struct {
	Endpoint   string    `cbor:"endpoint"`
	Payload    []byte    `cbor:"payload"`
	Identity   string    `cbor:"identity"`
	EnqueuedAt time.Time `cbor:"enqueued_at"`
}

// Queue owns the offline mutation backlog. It is passive: it only sends when
// Drain is invoked, typically from a connectivity-restored event.
type Queue struct {
	kv       store.KV
	client   transport.Client
	clock    internal.Clock
	notifier pubsub.Notifier

	// sleep is swapped out by tests to avoid real inter-item delays
	sleep func(time.Duration)

	mu           sync.Mutex
	pending      []Mutation
	draining     bool
	poorConn     bool
	successTotal int

	pendingGauge   prometheus.Gauge
	drainedCounter prometheus.Counter
}

func New(kv store.KV, client transport.Client, clock internal.Clock, notifier pubsub.Notifier) *Queue {
	q := &Queue{
		kv:       kv,
		client:   client,
		clock:    clock,
		notifier: notifier,
		sleep:    time.Sleep,
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetsync",
			Subsystem: "queue",
			Name:      "pending_mutations",
			Help:      "Number of mutations waiting in the offline backlog",
		}),
		drainedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Subsystem: "queue",
			Name:      "drained_mutations_total",
			Help:      "Number of mutations confirmed submitted",
		}),
	}
	prometheus.MustRegister(q.pendingGauge)
	prometheus.MustRegister(q.drainedCounter)
	q.load()
	return q
}

// Teardown unregisters the queue's metrics. Tests building multiple queues
// must call it.
func (q *Queue) Teardown() {
	prometheus.Unregister(q.pendingGauge)
	prometheus.Unregister(q.drainedCounter)
}

// load populates the in-memory mirror from storage. A malformed persisted
// backlog is logged and reset rather than crashing every later drain.
func (q *Queue) load() {
	blob, err := q.kv.Get(store.QueueKey)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Err(err).Msg("queue: cannot read persisted backlog")
		return
	}
	var pending []Mutation
	if err := cbor.Unmarshal(blob, &pending); err != nil {
		logger.Err(err).Msg("queue: corrupt persisted backlog, resetting")
		q.kv.Remove(store.QueueKey)
		return
	}
	q.pending = pending
	q.pendingGauge.Set(float64(len(q.pending)))
}

// Enqueue appends a write to the backlog. It never fails: a storage error
// leaves the mutation in the in-memory mirror, to be re-persisted on the
// next successful write-back.
func (q *Queue) Enqueue(endpoint string, payload []byte, identity string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	q.pending = append(q.pending, Mutation{
		Endpoint:   endpoint,
		Payload:    transport.StampPayload(payload, identity, now),
		Identity:   identity,
		EnqueuedAt: now,
	})
	q.persistLocked()
	q.pendingGauge.Set(float64(len(q.pending)))
	logger.Info().Str("endpoint", endpoint).Int("pending", len(q.pending)).Msg("mutation queued")
}

// Drain pushes the backlog head-first until it is empty or blocked by a
// failure. Reentrancy-guarded: overlapping calls are no-ops, as is a call on
// an empty backlog, so it is safe to invoke speculatively.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	successes := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		head := q.pending[0]
		q.mu.Unlock()

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := q.client.WriteRecord(sendCtx, head.Endpoint, head.Payload)
		cancel()
		if err != nil {
			kind := internal.Classify(err)
			q.mu.Lock()
			q.poorConn = kind == internal.KindNetwork
			q.mu.Unlock()
			if kind == internal.KindNetwork {
				logger.Warn().Err(err).Str("endpoint", head.Endpoint).Msg("drain: network failure, backlog kept")
			} else {
				// fail closed: a rejected mutation blocks everything queued
				// behind it rather than being dropped
				internal.ReportBoundaryError(ctx, err)
				logger.Error().Err(err).Str("endpoint", head.Endpoint).Msg("drain: send rejected, backlog blocked")
			}
			break
		}

		successes++
		q.drainedCounter.Inc()
		q.mu.Lock()
		q.popHeadLocked(head)
		q.poorConn = false
		q.successTotal++
		remaining := len(q.pending)
		q.mu.Unlock()
		if remaining > 0 {
			q.sleep(interItemDelay)
		}
	}

	if successes == 0 {
		return
	}
	q.mu.Lock()
	remaining := len(q.pending)
	q.mu.Unlock()
	if remaining == 0 {
		q.notify(pubsub.AdvisoryInfo, "All pending inspections synced successfully")
	} else {
		q.notify(pubsub.AdvisoryWarning, fmt.Sprintf("Synced %d pending inspection(s); %d still waiting", successes, remaining))
	}
}

func (q *Queue) notify(level pubsub.AdvisoryLevel, msg string) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Notify(pubsub.ChanAdvisories, pubsub.NewAdvisory(level, msg)); err != nil {
		logger.Warn().Err(err).Msg("queue: cannot publish advisory")
	}
}

// popHeadLocked removes the delivered head with read-modify-write
// reconciliation: the persisted list is re-read before the pop so a mirror
// that has drifted from storage (for example after an Enqueue during this
// drain) is never clobbered with stale contents.
func (q *Queue) popHeadLocked(head Mutation) {
	if blob, err := q.kv.Get(store.QueueKey); err == nil {
		var persisted []Mutation
		if err := cbor.Unmarshal(blob, &persisted); err == nil &&
			len(persisted) > 0 &&
			persisted[0].Endpoint == head.Endpoint &&
			persisted[0].EnqueuedAt.Equal(head.EnqueuedAt) {
			q.pending = persisted
		}
	}
	if len(q.pending) > 0 {
		q.pending = q.pending[1:]
	}
	q.persistLocked()
	q.pendingGauge.Set(float64(len(q.pending)))
}

func (q *Queue) persistLocked() {
	blob, err := cbor.Marshal(q.pending)
	if err != nil {
		logger.Err(err).Msg("queue: cannot marshal backlog")
		return
	}
	if err := q.kv.Set(store.QueueKey, blob); err != nil {
		logger.Err(err).Msg("queue: cannot persist backlog")
	}
}

// Len reports the number of pending mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the backlog, head first.
func (q *Queue) Pending() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Mutation, len(q.pending))
	copy(out, q.pending)
	return out
}

// PoorConnection reports whether the last drain attempt hit a network-class
// failure. Cleared by the next confirmed send.
func (q *Queue) PoorConnection() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.poorConn
}

// SuccessTotal is the running count of confirmed submissions.
func (q *Queue) SuccessTotal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.successTotal
}
