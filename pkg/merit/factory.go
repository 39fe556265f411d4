package merit

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// JobFactory creates the job directory for one candidate. The directory must
// contain job_files/runjob.
type JobFactory interface {
	Name() string
	// RunnerName is the runner the factory's jobs are sent to.
	RunnerName() string
	CreateJob(dir string, vars Variables) (*Job, error)
}

// TemplateFactory builds jobs by copying a template directory, replacing
// @NAME@ in every file with the value of variable NAME.
type TemplateFactory struct {
	name       string
	runnerName string
	template   string
	evaluators []Evaluator
}

var _ JobFactory = (*TemplateFactory)(nil)

func NewTemplateFactory(name, runnerName, templateDir string, evaluators ...Evaluator) *TemplateFactory {
	return &TemplateFactory{
		name:       name,
		runnerName: runnerName,
		template:   templateDir,
		evaluators: evaluators,
	}
}

func (f *TemplateFactory) Name() string {
	return f.name
}

func (f *TemplateFactory) RunnerName() string {
	return f.runnerName
}

func (f *TemplateFactory) CreateJob(dir string, vars Variables) (*Job, error) {
	pairs := make([]string, 0, 2*len(vars))
	for _, v := range vars {
		pairs = append(pairs, "@"+v.Name+"@", strconv.FormatFloat(v.Value, 'g', -1, 64))
	}
	replacer := strings.NewReplacer(pairs...)

	err := filepath.WalkDir(f.template, func(src string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.template, src)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(dst, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, []byte(replacer.Replace(string(data))), info.Mode().Perm())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job %s from %s: %w", f.name, f.template, err)
	}
	return NewJob(f.name, dir, vars, f.evaluators...), nil
}
