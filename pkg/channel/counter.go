package channel

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Counter hands out process-local transaction ids of the form <prefix>-<n>.
type Counter struct {
	prefix string
	n      atomic.Uint64
}

// NewCounter creates a counter. An empty prefix is replaced by a short random
// one so ids from different clients sharing a channel never collide.
func NewCounter(prefix string) *Counter {
	if prefix == "" {
		prefix = uuid.NewString()[:8]
	}
	return &Counter{prefix: prefix}
}

// Next returns the next id.
func (c *Counter) Next() string {
	return fmt.Sprintf("%s-%d", c.prefix, c.n.Add(1)-1)
}

// Owns reports whether id was produced by this counter.
func (c *Counter) Owns(id string) bool {
	return strings.HasPrefix(id, c.prefix+"-")
}
