package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// KeepAlive periodically sends KEEP_ALIVE on a channel so idle SSH sessions
// are not dropped. The worker echoes each one.
type KeepAlive struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartKeepAlive starts sending every interval. A non-positive interval
// disables it. The loop exits quietly on the first send error; the channel
// reports the failure through its own paths.
func StartKeepAlive(s Sender, channelID string, interval time.Duration) *KeepAlive {
	k := &KeepAlive{stop: make(chan struct{}), done: make(chan struct{})}
	if interval <= 0 {
		close(k.done)
		return k
	}

	go func() {
		defer close(k.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for n := 0; ; n++ {
			select {
			case <-k.stop:
				return
			case <-t.C:
			}
			m := &wire.Msg{Type: wire.KeepAlive, ChannelID: channelID, ID: fmt.Sprintf("keepalive_%d", n)}
			if err := s.Send(m); err != nil {
				return
			}
		}
	}()
	return k
}

// Stop ends the loop and waits for it to exit.
func (k *KeepAlive) Stop() {
	k.once.Do(func() {
		close(k.stop)
	})
	<-k.done
}
