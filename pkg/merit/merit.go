package merit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

// CandidateJobs pairs a candidate with the jobs created for it. After
// evaluation the meta evaluator job, if any, is last.
type CandidateJobs struct {
	Candidate Variables
	Jobs      []*Job
}

// JobsCallback is called with every candidate's jobs.
type JobsCallback func(pairs []CandidateJobs)

// MeritCallback is called with the reduced merit values.
type MeritCallback func(merits []float64, pairs []CandidateJobs)

// ReductionFunc reduces each candidate's evaluated jobs to one merit value.
type ReductionFunc func(jobs [][]*Job) []float64

// SumMerit adds up the merit of every record of every job of a candidate.
func SumMerit(jobs [][]*Job) []float64 {
	out := make([]float64, len(jobs))
	for i, list := range jobs {
		for _, j := range list {
			out[i] += j.Merit()
		}
	}
	return out
}

// ReplaceMeritAfterEvaluation returns an AfterEvaluation callback that sets
// the merit of every record for which keep returns false to value.
func ReplaceMeritAfterEvaluation(keep func(float64) bool, value float64) JobsCallback {
	return func(pairs []CandidateJobs) {
		for _, p := range pairs {
			for _, j := range p.Jobs {
				for _, list := range j.records {
					for i := range list {
						if !keep(list[i].Merit) {
							list[i].Merit = value
						}
					}
				}
			}
		}
	}
}

// Merit creates, runs and evaluates the jobs of a set of candidates.
type Merit struct {
	runners        map[string]runner.Runner
	order          []string
	factories      []JobFactory
	metaEvaluators []MetaEvaluator
	calculated     *CalculatedVariables
	jobDir         string
	reduce         ReductionFunc
	log            *plog.Logger

	beforeRun       []JobsCallback
	afterRun        []JobsCallback
	afterEvaluation []JobsCallback
	afterMerit      []MeritCallback
}

type Option func(*Merit)

func WithMetaEvaluators(m ...MetaEvaluator) Option {
	return func(mt *Merit) {
		mt.metaEvaluators = append(mt.metaEvaluators, m...)
	}
}

func WithCalculatedVariables(c *CalculatedVariables) Option {
	return func(mt *Merit) {
		mt.calculated = c
	}
}

// WithReduction replaces SumMerit.
func WithReduction(f ReductionFunc) Option {
	return func(mt *Merit) {
		mt.reduce = f
	}
}

func WithLogger(l *plog.Logger) Option {
	return func(mt *Merit) {
		mt.log = l
	}
}

// New returns a Merit running the factories' jobs on runners. Candidate
// directories are created under jobDir, or the system temporary directory
// when jobDir is empty. Every factory must name one of runners.
func New(runners []runner.Runner, factories []JobFactory, jobDir string, opts ...Option) (*Merit, error) {
	m := &Merit{
		runners:   make(map[string]runner.Runner, len(runners)),
		factories: factories,
		jobDir:    jobDir,
		reduce:    SumMerit,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = plog.OrDiscard(m.log)

	for _, r := range runners {
		if _, dup := m.runners[r.Name()]; dup {
			return nil, perr.Config(perr.CodeBadValue, "duplicate runner name %q", r.Name())
		}
		m.runners[r.Name()] = r
		m.order = append(m.order, r.Name())
	}
	for _, f := range factories {
		if _, ok := m.runners[f.RunnerName()]; !ok {
			return nil, perr.Config(perr.CodeMissingKey, "job %q refers to unknown runner %q", f.Name(), f.RunnerName())
		}
	}
	return m, nil
}

// JobDir is the directory candidate directories are created in.
func (m *Merit) JobDir() string {
	return m.jobDir
}

// OnBeforeRun adds a callback made once every job has been created.
func (m *Merit) OnBeforeRun(cb JobsCallback) {
	m.beforeRun = append(m.beforeRun, cb)
}

// OnAfterRun adds a callback made once every batch has finished.
func (m *Merit) OnAfterRun(cb JobsCallback) {
	m.afterRun = append(m.afterRun, cb)
}

// OnAfterEvaluation adds a callback made after evaluators and meta
// evaluators have run. Callbacks may change record merit values.
func (m *Merit) OnAfterEvaluation(cb JobsCallback) {
	m.afterEvaluation = append(m.afterEvaluation, cb)
}

// OnAfterMerit adds a callback made with the reduced merit values.
func (m *Merit) OnAfterMerit(cb MeritCallback) {
	m.afterMerit = append(m.afterMerit, cb)
}

// Calculate returns one merit value per candidate, together with the
// evaluated jobs. Candidate directories are removed before it returns. If
// ctx is cancelled the running batches are terminated and ctx.Err() is
// returned.
func (m *Merit) Calculate(ctx context.Context, candidates []Variables) ([]float64, []CandidateJobs, error) {
	defer m.log.Since(time.Now(), "merit calculated", "candidates", len(candidates))
	dirs, byRunner, pairs, err := m.prepare(candidates)
	defer m.clean(dirs)
	if err != nil {
		return nil, nil, err
	}
	for _, cb := range m.beforeRun {
		cb(pairs)
	}

	if err := m.run(ctx, byRunner); err != nil {
		return nil, nil, err
	}
	for _, cb := range m.afterRun {
		cb(pairs)
	}

	for _, p := range pairs {
		for _, j := range p.Jobs {
			j.Evaluate()
		}
	}
	m.applyMetaEvaluators(pairs)
	for _, cb := range m.afterEvaluation {
		cb(pairs)
	}

	jobs := make([][]*Job, len(pairs))
	for i, p := range pairs {
		jobs[i] = p.Jobs
	}
	merits := m.reduce(jobs)
	for _, cb := range m.afterMerit {
		cb(merits, pairs)
	}
	return merits, pairs, nil
}

func (m *Merit) prepare(candidates []Variables) ([]string, map[string][]*Job, []CandidateJobs, error) {
	var dirs []string
	byRunner := make(map[string][]*Job)
	pairs := make([]CandidateJobs, 0, len(candidates))

	for _, c := range candidates {
		c, err := m.calculated.Apply(c)
		if err != nil {
			return dirs, nil, nil, err
		}
		dir, err := os.MkdirTemp(m.jobDir, "candidate-")
		if err != nil {
			return dirs, nil, nil, fmt.Errorf("failed to create candidate directory: %w", err)
		}
		dirs = append(dirs, dir)

		pair := CandidateJobs{Candidate: c}
		for _, f := range m.factories {
			path := filepath.Join(dir, f.Name())
			if err := os.Mkdir(path, 0o755); err != nil {
				return dirs, nil, nil, fmt.Errorf("failed to create job directory: %w", err)
			}
			job, err := f.CreateJob(path, c)
			if err != nil {
				return dirs, nil, nil, err
			}
			pair.Jobs = append(pair.Jobs, job)
			byRunner[f.RunnerName()] = append(byRunner[f.RunnerName()], job)
		}
		pairs = append(pairs, pair)
	}
	return dirs, byRunner, pairs, nil
}

// run starts one batch per runner with jobs, waits for them and records each
// runner job's error on the job it was made from.
func (m *Merit) run(ctx context.Context, byRunner map[string][]*Job) error {
	var batches []*runner.Batch
	origin := make(map[*runner.Job]*Job)
	terminate := func() {
		for _, b := range batches {
			<-b.Terminate()
		}
	}

	for _, name := range m.order {
		jobs := byRunner[name]
		if len(jobs) == 0 {
			continue
		}
		rjobs := make([]*runner.Job, len(jobs))
		for i, j := range jobs {
			rjobs[i] = &runner.Job{Name: j.Name, SourcePath: j.Path, OutputPath: j.OutputDir()}
			origin[rjobs[i]] = j
		}
		b, err := m.runners[name].RunBatch(rjobs)
		if err != nil {
			terminate()
			return fmt.Errorf("runner %s: %w", name, err)
		}
		m.log.Debug("batch started", "runner", name, "batch", b.Name(), "jobs", len(jobs))
		batches = append(batches, b)
	}

	for _, b := range batches {
		batchErr := b.Wait(ctx)
		if batchErr != nil {
			if ctx.Err() != nil {
				terminate()
				return ctx.Err()
			}
			m.log.Warn("batch failed", "runner", b.Runner(), "batch", b.Name(), "error", batchErr)
		}
		if failed := b.JobsWithErrors(); len(failed) > 0 {
			m.log.Warn("jobs failed", "runner", b.Runner(), "batch", b.Name(), "count", len(failed))
		}
		for _, rj := range b.Jobs() {
			j := origin[rj.Job]
			if j == nil {
				continue
			}
			j.Err = rj.Err()
			if j.Err == nil && batchErr != nil {
				j.Err = batchErr
			}
		}
	}
	return nil
}

func (m *Merit) applyMetaEvaluators(pairs []CandidateJobs) {
	if len(m.metaEvaluators) == 0 {
		return
	}
	for i := range pairs {
		jobs := pairs[i].Jobs
		meta := &Job{Name: MetaEvaluatorJobName, Variables: pairs[i].Candidate, Meta: true}
		for _, e := range m.metaEvaluators {
			meta.records = append(meta.records, e.Evaluate(jobs))
		}
		pairs[i].Jobs = append(jobs, meta)
	}
}

func (m *Merit) clean(dirs []string) {
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			m.log.Warn("failed to remove candidate directory", "path", d, "error", err)
		}
	}
}
