package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

const FlavourSGE = "SGE"

type sge struct {
	exec Executor
}

func newSGE(e Executor) queueSystem {
	return &sge{exec: e}
}

func (s *sge) identify(ctx context.Context) (*wire.Dialect, error) {
	if _, err := s.exec.Run(ctx, nil, "qstat"); err != nil {
		return nil, fmt.Errorf("qstat not available: %w", err)
	}
	return &wire.Dialect{Flavour: FlavourSGE, ArrayFlag: "-t", ArrayIDVariable: "SGE_TASK_ID"}, nil
}

func (s *sge) script(jobs, headerLines []string) string {
	dir := batchDir(jobs)
	header := []string{
		fmt.Sprintf("#$ -t 1-%d", len(jobs)),
		"#$ -N pprofit",
		fmt.Sprintf("#$ -o \"%s/batch.o\"", dir),
		fmt.Sprintf("#$ -e \"%s/batch.e\"", dir),
		"#$ -S /bin/bash",
		"#$ -notify",
	}
	return buildScript(jobs, headerLines, scriptOptions{
		header:      header,
		indexVar:    "SGE_TASK_ID",
		alwaysArray: true,
		traps:       "EXIT SIGUSR1 SIGUSR2",
	})
}

func (s *sge) submit(ctx context.Context, script string) (string, error) {
	out, err := s.exec.Run(ctx, []byte(script), "qsub", "-h", "-terse")
	if err != nil {
		return "", err
	}
	// Array submissions print <id>.<range>:<step>.
	id := strings.TrimSpace(string(out))
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	return id, nil
}

func (s *sge) selectJobs(ctx context.Context) ([]string, error) {
	args := []string{}
	if u := currentUser(); u != "" {
		args = append(args, "-u", u)
	}
	out, err := s.exec.Run(ctx, nil, "qstat", args...)
	if err != nil {
		return nil, err
	}
	rows := lines(out)
	// Skip the column header and separator rows.
	if len(rows) <= 2 {
		return []string{}, nil
	}
	var ids []string
	for _, row := range rows[2:] {
		if fields := strings.Fields(row); len(fields) > 0 {
			ids = append(ids, fields[0])
		}
	}
	return unique(ids), nil
}

func (s *sge) release(ctx context.Context, jobID string) error {
	_, err := s.exec.Run(ctx, nil, "qrls", jobID)
	return err
}

func (s *sge) delete(ctx context.Context, jobIDs []string, _ bool) error {
	_, err := s.exec.Run(ctx, nil, "qdel", jobIDs...)
	return err
}
