package messaging

import (
	"context"
	"sync"
)

// Ack is the future returned by a publish. It resolves once the bus has
// durably appended the record, or failed to.
type Ack struct {
	once sync.Once
	done chan struct{}
	seq  uint64
	err  error
}

// NewAck returns an unresolved Ack.
func NewAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

// Resolve completes the Ack. Only the first call has an effect.
func (a *Ack) Resolve(seq uint64, err error) {
	a.once.Do(func() {
		a.seq = seq
		a.err = err
		close(a.done)
	})
}

// Done is closed when the Ack resolves.
func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Err returns the append error. It is only meaningful after Done is closed.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Sequence returns the offset assigned by the bus, zero until resolved.
func (a *Ack) Sequence() uint64 {
	select {
	case <-a.done:
		return a.seq
	default:
		return 0
	}
}

// Wait blocks until the Ack resolves or ctx ends.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
