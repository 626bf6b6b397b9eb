// Package confirm hands out single-use confirmation tokens for destructive
// operations and collects the yes/no answers, timing out quietly when
// nobody answers.
package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of a confirmation round. Cancelled means no
// answer arrived in time; it is not an error and the guarded operation
// simply does not run.
type Decision int

const (
	Cancelled Decision = iota
	Approved
	Denied
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	default:
		return "cancelled"
	}
}

// Broker tracks confirmations that are still waiting for an answer.
type Broker struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]chan bool
}

func NewBroker(timeout time.Duration) *Broker {
	return &Broker{
		timeout: timeout,
		pending: make(map[uuid.UUID]chan bool),
	}
}

// Timeout reports how long an answer may take before the round cancels.
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// Pending is one open confirmation round. The caller shows Token to
// whoever must answer and blocks on Await.
type Pending struct {
	Token uuid.UUID

	broker *Broker
	ch     chan bool
}

// Begin opens a confirmation round and returns its handle.
func (b *Broker) Begin() *Pending {
	p := &Pending{
		Token:  uuid.New(),
		broker: b,
		ch:     make(chan bool, 1),
	}
	b.mu.Lock()
	b.pending[p.Token] = p.ch
	b.mu.Unlock()
	return p
}

// Resolve delivers an answer for the round identified by token. It returns
// false when the token is unknown, already answered, or timed out; true
// means this answer is the one the waiter will see.
func (b *Broker) Resolve(token uuid.UUID, approved bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[token]
	if !ok {
		return false
	}
	delete(b.pending, token)
	ch <- approved
	return true
}

// Await blocks until the round is answered, times out, or ctx ends. A
// timeout yields Cancelled with a nil error. If an answer slips in just as
// the timer fires or the context ends, the answer wins, matching what
// Resolve reported to its caller.
func (p *Pending) Await(ctx context.Context) (Decision, error) {
	timer := time.NewTimer(p.broker.timeout)
	defer timer.Stop()

	select {
	case approved := <-p.ch:
		return decisionOf(approved), nil
	case <-timer.C:
		p.broker.mu.Lock()
		_, live := p.broker.pending[p.Token]
		delete(p.broker.pending, p.Token)
		p.broker.mu.Unlock()
		if !live {
			// Resolve removed the entry before the timer fired, so its
			// answer is already buffered.
			return decisionOf(<-p.ch), nil
		}
		return Cancelled, nil
	case <-ctx.Done():
		p.broker.mu.Lock()
		_, live := p.broker.pending[p.Token]
		delete(p.broker.pending, p.Token)
		p.broker.mu.Unlock()
		if !live {
			// Resolve removed the entry before the context ended, so its
			// answer is already buffered.
			return decisionOf(<-p.ch), nil
		}
		return Cancelled, ctx.Err()
	}
}

func decisionOf(approved bool) Decision {
	if approved {
		return Approved
	}
	return Denied
}
