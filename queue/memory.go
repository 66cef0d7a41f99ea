package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

// Memory is an in-process queue with the same ack and dead-letter
// semantics as JetStream. It is safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	pending    []Envelope
	acked      []Envelope
	dead       []DeadLetter
	publishErr error
	notify     chan struct{}
	touches    int
}

// NewMemory creates an empty queue.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

var (
	_ Publisher = (*Memory)(nil)
	_ Consumer  = (*Memory)(nil)
)

// FailPublish makes subsequent publishes return err. Nil restores them.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// Publish appends env to the queue.
func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "queue.Memory", "Publish", "publish "+env.MessageID)
	}

	m.mu.Lock()
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return errors.Wrap(errors.Join(errors.ErrPublishFailed, err), "queue.Memory", "Publish", "publish "+env.MessageID)
	}
	env.Payload = append([]byte(nil), env.Payload...)
	m.pending = append(m.pending, env)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Consume runs h for each envelope until ctx is cancelled.
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	hctx := context.WithoutCancel(ctx)
	for {
		env, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.notify:
				continue
			}
		}

		env.Delivered = 1
		if err := h(withProgress(hctx, m.touch), env); err != nil {
			m.mu.Lock()
			m.dead = append(m.dead, DeadLetter{Envelope: env, Reason: reason(err), FailedAt: time.Now().UTC()})
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			m.acked = append(m.acked, env)
			m.mu.Unlock()
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (m *Memory) next() (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return Envelope{}, false
	}
	env := m.pending[0]
	m.pending = m.pending[1:]
	return env, true
}

func (m *Memory) touch() {
	m.mu.Lock()
	m.touches++
	m.mu.Unlock()
}

// Touches returns how many times handlers reported progress.
func (m *Memory) Touches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touches
}

// Pending returns envelopes not yet delivered.
func (m *Memory) Pending() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.pending...)
}

// Acked returns acknowledged envelopes in order.
func (m *Memory) Acked() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.acked...)
}

// DeadLetters returns dead-lettered envelopes in order.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.dead...)
}
