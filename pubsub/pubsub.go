// Package pubsub is the in-process payload bus wiring the managers to the
// host runtime: connectivity transitions in, advisory toasts and surfaced
// notifications out.
package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Payload is one message on the bus. Type discriminates payload kinds so
// listeners can assert to the concrete struct.
type Payload interface {
	Type() string
}

// Listener is the subscribing half of the bus.
type Listener interface {
	// Listen invokes fn for every payload on chanName. It blocks until the
	// bus is closed.
	Listen(chanName string, fn func(p Payload)) error
	// Close stops delivery; no callback fires after it returns.
	Close() error
}

// Notifier is the publishing half of the bus.
type Notifier interface {
	// Notify delivers p to chanName, returning an error if delivery could
	// not be confirmed.
	Notify(chanName string, p Payload) error
	// Close releases the notifier.
	Close() error
}

// PubSub is a buffered channel-per-topic bus. One process, no external
// broker: the engine and the status surface live in the same binary.
type PubSub struct {
	mu         sync.Mutex
	chans      map[string]chan Payload
	closed     bool
	bufferSize int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:      make(map[string]chan Payload),
		bufferSize: bufferSize,
	}
}

var errClosed = fmt.Errorf("pubsub: bus is closed")

func (ps *PubSub) getChan(chanName string) (chan Payload, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, errClosed
	}
	ch := ps.chans[chanName]
	if ch == nil {
		ch = make(chan Payload, ps.bufferSize)
		ps.chans[chanName] = ch
	}
	return ch, nil
}

// Notify publishes p on chanName. A full buffer that stays full for five
// seconds means a listener has wedged; the error is returned rather than
// blocking the publisher forever.
func (ps *PubSub) Notify(chanName string, p Payload) error {
	ch, err := ps.getChan(chanName)
	if err != nil {
		return err
	}
	select {
	case ch <- p:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("notify with payload %v timed out", p.Type())
	}
	return nil
}

// Close shuts every topic channel, ending all Listen loops. Safe to call
// more than once.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, ch := range ps.chans {
		close(ch)
	}
	return nil
}

// Listen delivers chanName's payloads to fn, in order, until the bus closes.
func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ch, err := ps.getChan(chanName)
	if err != nil {
		return err
	}
	for payload := range ch {
		fn(payload)
	}
	return nil
}

// PromNotifier wraps a Notifier with a per-payload-type publish counter.
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// NewPromNotifier wraps n with prometheus metrics under the given subsystem.
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
