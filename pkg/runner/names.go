package runner

import (
	"strconv"
	"sync/atomic"
)

// DefaultBatchPrefix prefixes batch names.
const DefaultBatchPrefix = "Batch-"

// BatchNameIterator produces Batch-1, Batch-2, ... It is safe for concurrent
// use.
type BatchNameIterator struct {
	prefix string
	n      atomic.Uint64
}

// NewBatchNameIterator returns an iterator using prefix, or
// DefaultBatchPrefix when none is given.
func NewBatchNameIterator(prefix ...string) *BatchNameIterator {
	p := DefaultBatchPrefix
	if len(prefix) > 0 {
		p = prefix[0]
	}
	return &BatchNameIterator{prefix: p}
}

func (it *BatchNameIterator) Next() string {
	return it.prefix + strconv.FormatUint(it.n.Add(1), 10)
}
