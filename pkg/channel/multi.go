package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// MultiChannel is a round-robin pool of sibling channels that share a base id
// and one callback dispatcher.
type MultiChannel struct {
	base      string
	channels  []*Channel
	byID      map[string]*Channel
	next      atomic.Uint64
	callbacks *MultiCallback

	done     chan struct{}
	doneOnce sync.Once
}

// StartMulti starts n channels running module. newStart builds the start
// message for each child from its channel id, which is "<base>_<i>".
func StartMulti(ctx context.Context, gw *Gateway, module string, n int, newStart func(channelID string) *wire.Msg, opts ...Option) (*MultiChannel, error) {
	if n < 1 {
		return nil, fmt.Errorf("channel pool needs at least one channel, got %d", n)
	}

	mc := &MultiChannel{
		base:      uuid.NewString(),
		channels:  make([]*Channel, n),
		byID:      make(map[string]*Channel, n),
		callbacks: &MultiCallback{},
		done:      make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			ch, err := Start(gctx, gw, module, newStart(fmt.Sprintf("%s_%d", mc.base, i)), opts...)
			if err != nil {
				return err
			}
			mc.channels[i] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ch := range mc.channels {
			if ch != nil {
				_ = ch.Close()
			}
		}
		return nil, err
	}

	for _, ch := range mc.channels {
		mc.byID[ch.ID()] = ch
		ch.Callbacks().Add(mc.callbacks.Dispatch)
		go func(ch *Channel) {
			<-ch.Done()
			mc.doneOnce.Do(func() { close(mc.done) })
		}(ch)
	}
	return mc, nil
}

// Next returns the next channel in round-robin order. Iteration never ends.
func (mc *MultiChannel) Next() *Channel {
	i := mc.next.Add(1) - 1
	return mc.channels[i%uint64(len(mc.channels))]
}

// Send writes m to the next channel.
func (mc *MultiChannel) Send(m *wire.Msg) error {
	return mc.Next().Send(m)
}

// Get returns the child with the given channel id.
func (mc *MultiChannel) Get(channelID string) (*Channel, bool) {
	ch, ok := mc.byID[channelID]
	return ch, ok
}

// Channels returns the children.
func (mc *MultiChannel) Channels() []*Channel {
	return mc.channels
}

// Len returns the number of children.
func (mc *MultiChannel) Len() int {
	return len(mc.channels)
}

// RemotePath returns the remote root reported by the first child.
func (mc *MultiChannel) RemotePath() string {
	return mc.channels[0].RemotePath()
}

// Callbacks returns the dispatcher shared by every child.
func (mc *MultiChannel) Callbacks() *MultiCallback {
	return mc.callbacks
}

// Done is closed as soon as any child has closed.
func (mc *MultiChannel) Done() <-chan struct{} {
	return mc.done
}

// Broadcast sends a copy of m to every child, stamped with the child's id.
func (mc *MultiChannel) Broadcast(m *wire.Msg) error {
	for _, ch := range mc.channels {
		cp := *m
		cp.ChannelID = ch.ID()
		if err := ch.Send(&cp); err != nil {
			return err
		}
	}
	return nil
}

// KeepAlive starts one keep-alive loop per child. Stop the returned loops
// before closing the pool.
func (mc *MultiChannel) KeepAlive(interval time.Duration) []*KeepAlive {
	loops := make([]*KeepAlive, 0, len(mc.channels))
	for _, ch := range mc.channels {
		loops = append(loops, StartKeepAlive(ch, ch.ID(), interval))
	}
	return loops
}

// Close sends the close sentinel to every child.
func (mc *MultiChannel) Close() error {
	var first error
	for _, ch := range mc.channels {
		if err := ch.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WaitClose waits up to timeout for every child to close.
func (mc *MultiChannel) WaitClose(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, ch := range mc.channels {
		if !ch.WaitClose(time.Until(deadline)) {
			return false
		}
	}
	return true
}
