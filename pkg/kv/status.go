package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

const (
	statusPrefix = "pprofit:batch:"

	// FinishedTTL is how long the status of a finished batch is kept.
	FinishedTTL = 24 * time.Hour

	writeTimeout = 2 * time.Second
)

// JobStatus is the stored state of one runner job.
type JobStatus struct {
	Name     string           `json:"name"`
	Index    int              `json:"index"`
	Status   runner.JobStatus `json:"status"`
	Error    string           `json:"error,omitempty"`
	Duration float64          `json:"durationSeconds,omitempty"`
}

// BatchStatus is the stored state of a batch.
type BatchStatus struct {
	Runner    string      `json:"runner"`
	Batch     string      `json:"batch"`
	RemoteDir string      `json:"remoteDir"`
	Created   time.Time   `json:"created"`
	Finished  *time.Time  `json:"finished,omitempty"`
	Error     string      `json:"error,omitempty"`
	Jobs      []JobStatus `json:"jobs"`
}

// Done reports whether the batch has finished.
func (s *BatchStatus) Done() bool {
	return s.Finished != nil
}

func snapshot(b *runner.Batch, err error) *BatchStatus {
	s := &BatchStatus{
		Runner:    b.Runner(),
		Batch:     b.Name(),
		RemoteDir: b.RemoteDir(),
		Created:   b.Created(),
	}
	if f := b.Finished(); !f.IsZero() {
		s.Finished = &f
	}
	if err != nil {
		s.Error = err.Error()
	}
	for _, j := range b.Jobs() {
		js := JobStatus{
			Name:     j.Name(),
			Index:    j.Index(),
			Status:   j.Status(),
			Duration: j.Duration().Seconds(),
		}
		if jerr := j.Err(); jerr != nil {
			js.Error = jerr.Error()
		}
		s.Jobs = append(s.Jobs, js)
	}
	return s
}

func statusKey(runnerName, batch string) string {
	return statusPrefix + runnerName + ":" + batch
}

// StatusStore keeps the live status of batches in a Store. It is a
// runner.Observer.
type StatusStore struct {
	store Store
	log   *plog.Logger
}

var _ runner.Observer = (*StatusStore)(nil)

func NewStatusStore(store Store, log *plog.Logger) *StatusStore {
	return &StatusStore{store: store, log: plog.OrDiscard(log)}
}

func (s *StatusStore) put(b *runner.Batch, err error, ttl time.Duration) {
	data, merr := json.Marshal(snapshot(b, err))
	if merr != nil {
		s.log.Warn("failed to encode batch status", "batch", b.Name(), "error", merr)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if werr := s.store.Set(ctx, statusKey(b.Runner(), b.Name()), data, ttl); werr != nil {
		s.log.Warn("failed to store batch status", "batch", b.Name(), "error", werr)
	}
}

func (s *StatusStore) BatchCreated(_ string, b *runner.Batch) {
	s.put(b, nil, 0)
}

func (s *StatusStore) JobFinished(_ string, b *runner.Batch, _ *runner.RunnerJob) {
	s.put(b, nil, 0)
}

func (s *StatusStore) BatchFinished(_ string, b *runner.Batch, err error) {
	s.put(b, err, FinishedTTL)
}

// Get returns the status of one batch, or ErrNotFound.
func (s *StatusStore) Get(ctx context.Context, runnerName, batch string) (*BatchStatus, error) {
	data, err := s.store.Get(ctx, statusKey(runnerName, batch))
	if err != nil {
		return nil, err
	}
	var st BatchStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode batch status: %w", err)
	}
	return &st, nil
}

// List returns every stored batch, newest first.
func (s *StatusStore) List(ctx context.Context) ([]*BatchStatus, error) {
	keys, err := s.store.Keys(ctx, statusPrefix)
	if err != nil {
		return nil, err
	}
	values, err := s.store.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*BatchStatus, 0, len(keys))
	for i, data := range values {
		// Expired between Keys and GetMany.
		if data == nil {
			continue
		}
		var st BatchStatus
		if err := json.Unmarshal(data, &st); err != nil {
			s.log.Warn("skipping undecodable batch status", "key", keys[i], "error", err)
			continue
		}
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	return out, nil
}
