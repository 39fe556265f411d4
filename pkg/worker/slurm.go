package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

const FlavourSlurm = "Slurm"

type slurm struct {
	exec Executor
}

func newSlurm(e Executor) queueSystem {
	return &slurm{exec: e}
}

func (s *slurm) identify(ctx context.Context) (*wire.Dialect, error) {
	if _, err := s.exec.Run(ctx, nil, "squeue", "--version"); err != nil {
		return nil, fmt.Errorf("squeue not available: %w", err)
	}
	return &wire.Dialect{
		Flavour:         FlavourSlurm,
		ArrayFlag:       "--array",
		ArrayIDVariable: "SLURM_ARRAY_TASK_ID",
		QdelForceFlags:  []string{"--signal=KILL"},
	}, nil
}

func (s *slurm) script(jobs, headerLines []string) string {
	dir := batchDir(jobs)
	header := []string{
		fmt.Sprintf("#SBATCH --array=1-%d", len(jobs)),
		"#SBATCH -J pprofit",
		fmt.Sprintf("#SBATCH -o \"%s/batch.o\"", dir),
		fmt.Sprintf("#SBATCH -e \"%s/batch.e\"", dir),
	}
	return buildScript(jobs, headerLines, scriptOptions{
		header:      header,
		indexVar:    "SLURM_ARRAY_TASK_ID",
		alwaysArray: true,
	})
}

func (s *slurm) submit(ctx context.Context, script string) (string, error) {
	out, err := s.exec.Run(ctx, []byte(script), "sbatch", "-H", "--parsable")
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	return id, nil
}

func (s *slurm) selectJobs(ctx context.Context) ([]string, error) {
	args := []string{"-h", "-o", "%F"}
	if u := currentUser(); u != "" {
		args = append(args, "-u", u)
	}
	out, err := s.exec.Run(ctx, nil, "squeue", args...)
	if err != nil {
		return nil, err
	}
	return unique(lines(out)), nil
}

func (s *slurm) release(ctx context.Context, jobID string) error {
	_, err := s.exec.Run(ctx, nil, "scontrol", "release", jobID)
	return err
}

func (s *slurm) delete(ctx context.Context, jobIDs []string, force bool) error {
	var args []string
	if force {
		args = append(args, "--signal=KILL")
	}
	_, err := s.exec.Run(ctx, nil, "scancel", append(args, jobIDs...)...)
	return err
}
