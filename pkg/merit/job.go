package merit

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MetaEvaluatorJobName names the job appended to each candidate when meta
// evaluators are configured.
const MetaEvaluatorJobName = "meta_evaluator"

// EvaluatorRecord is one value extracted from a job's output.
type EvaluatorRecord struct {
	Name      string
	Evaluator string
	Expected  float64
	Extracted float64
	Weight    float64
	// Merit is the record's contribution to the candidate's merit value.
	Merit float64
	Err   error
}

// ErrorFlag reports whether the value could not be extracted.
func (r EvaluatorRecord) ErrorFlag() bool {
	return r.Err != nil
}

// RMSRecord scores extracted against expected by their weighted root mean
// squared difference.
func RMSRecord(name, evaluator string, expected, extracted, weight float64) EvaluatorRecord {
	return EvaluatorRecord{
		Name:      name,
		Evaluator: evaluator,
		Expected:  expected,
		Extracted: extracted,
		Weight:    weight,
		Merit:     math.Sqrt(math.Pow(extracted-expected, 2)) * weight,
	}
}

// ErrorRecord is returned in place of a value that could not be extracted.
// Its merit is NaN.
func ErrorRecord(name, evaluator string, expected, weight float64, err error) EvaluatorRecord {
	return EvaluatorRecord{
		Name:      name,
		Evaluator: evaluator,
		Expected:  expected,
		Extracted: math.NaN(),
		Weight:    weight,
		Merit:     math.NaN(),
		Err:       err,
	}
}

// Evaluator extracts records from a finished job.
type Evaluator interface {
	Evaluate(j *Job) []EvaluatorRecord
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(j *Job) []EvaluatorRecord

func (f EvaluatorFunc) Evaluate(j *Job) []EvaluatorRecord {
	return f(j)
}

// MetaEvaluator computes records from all the jobs of one candidate.
type MetaEvaluator interface {
	Evaluate(jobs []*Job) []EvaluatorRecord
}

// MetaEvaluatorFunc adapts a function to MetaEvaluator.
type MetaEvaluatorFunc func(jobs []*Job) []EvaluatorRecord

func (f MetaEvaluatorFunc) Evaluate(jobs []*Job) []EvaluatorRecord {
	return f(jobs)
}

// Job is a job directory created by a factory for one candidate.
type Job struct {
	Name      string
	Path      string
	Variables Variables
	// Meta marks the synthetic job holding meta evaluator records.
	Meta bool
	// Err is the runner's error for the job, set once its batch has
	// finished. Evaluators should give error records when it is set.
	Err error

	evaluators []Evaluator
	records    [][]EvaluatorRecord
}

// NewJob returns a job rooted at path. evaluators are applied by Evaluate.
func NewJob(name, path string, vars Variables, evaluators ...Evaluator) *Job {
	return &Job{Name: name, Path: path, Variables: vars, evaluators: evaluators}
}

// OutputDir is where the runner puts the job's output.
func (j *Job) OutputDir() string {
	return filepath.Join(j.Path, "output")
}

// Evaluate applies the job's evaluators. It must be called before Records.
func (j *Job) Evaluate() {
	j.records = make([][]EvaluatorRecord, 0, len(j.evaluators))
	for _, e := range j.evaluators {
		j.records = append(j.records, e.Evaluate(j))
	}
}

// Records returns one list of records per evaluator.
func (j *Job) Records() [][]EvaluatorRecord {
	return j.records
}

// Merit sums the merit of every record of the job.
func (j *Job) Merit() float64 {
	var v float64
	for _, list := range j.records {
		for _, r := range list {
			v += r.Merit
		}
	}
	return v
}

// FileEvaluator reads a number from a file in the job's output directory. A
// file of "key value" lines is searched for Key; with Key empty the file must
// hold a single number.
type FileEvaluator struct {
	Name     string
	Filename string
	Key      string
	Expected float64
	// Weight defaults to 1.
	Weight float64
}

func (e FileEvaluator) Evaluate(j *Job) []EvaluatorRecord {
	weight := e.Weight
	if weight == 0 {
		weight = 1
	}
	name := e.Key
	if name == "" {
		name = e.Filename
	}
	if j.Err != nil {
		return []EvaluatorRecord{ErrorRecord(name, e.Name, e.Expected, weight, j.Err)}
	}
	v, err := e.read(filepath.Join(j.OutputDir(), e.Filename))
	if err != nil {
		return []EvaluatorRecord{ErrorRecord(name, e.Name, e.Expected, weight, err)}
	}
	return []EvaluatorRecord{RMSRecord(name, e.Name, e.Expected, v, weight)}
}

func (e FileEvaluator) read(filename string) (float64, error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch {
		case len(fields) == 0:
			continue
		case e.Key == "":
			return strconv.ParseFloat(fields[0], 64)
		case len(fields) >= 2 && strings.TrimSuffix(fields[0], ":") == e.Key:
			return strconv.ParseFloat(fields[len(fields)-1], 64)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if e.Key == "" {
		return 0, fmt.Errorf("%s is empty", filename)
	}
	return 0, fmt.Errorf("key %q not found in %s", e.Key, filename)
}
