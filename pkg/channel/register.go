package channel

import (
	"context"
	"sync"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// Register pairs requests with their replies by transaction id. Each pending
// id has a one-shot slot; replies with unknown ids are ignored.
type Register struct {
	mu      sync.Mutex
	pending map[string]chan *wire.Msg
	done    <-chan struct{}
	key     func(*wire.Msg) string
}

// MessageID keys replies by id, falling back to transaction_id.
func MessageID(m *wire.Msg) string {
	if m.ID != "" {
		return m.ID
	}
	return m.TransactionID
}

// NewRegister creates a register whose waits fail once done is closed. key
// extracts the transaction id from a reply; nil means MessageID.
func NewRegister(done <-chan struct{}, key func(*wire.Msg) string) *Register {
	if key == nil {
		key = MessageID
	}
	return &Register{pending: make(map[string]chan *wire.Msg), done: done, key: key}
}

// Expect reserves a slot for id. It must be called before the request is sent.
func (r *Register) Expect(id string) <-chan *wire.Msg {
	ch := make(chan *wire.Msg, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	return ch
}

// Forget drops a pending id.
func (r *Register) Forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Pending returns the number of outstanding ids.
func (r *Register) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dispatch delivers m to the slot for its id. It is a Callback.
func (r *Register) Dispatch(m *wire.Msg) bool {
	id := r.key(m)
	if id == "" {
		return false
	}
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- m
	return true
}

// Wait blocks until the reply for a slot returned by Expect arrives.
func (r *Register) Wait(ctx context.Context, id string, slot <-chan *wire.Msg) (*wire.Msg, error) {
	select {
	case m := <-slot:
		return m, nil
	case <-ctx.Done():
		r.Forget(id)
		return nil, ctx.Err()
	case <-r.done:
		r.Forget(id)
		return nil, perr.ErrChannelClosed
	}
}

// Call sends m through s and waits for its reply. ERROR replies are returned
// as errors.
func (r *Register) Call(ctx context.Context, s Sender, m *wire.Msg) (*wire.Msg, error) {
	id := r.key(m)
	slot := r.Expect(id)
	if err := s.Send(m); err != nil {
		r.Forget(id)
		return nil, err
	}
	reply, err := r.Wait(ctx, id, slot)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return reply, err
	}
	return reply, nil
}
