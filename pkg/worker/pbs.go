package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// PBS flavours.
const (
	FlavourPBSPro = "PBSPro"
	FlavourTorque = "TORQUE"
)

var (
	torqueBracketID = regexp.MustCompile(`^([0-9]+)\[[0-9]+\](.*)$`)
	torqueDashID    = regexp.MustCompile(`^([0-9]+)-[0-9]+(\..*)?$`)
)

type pbs struct {
	exec    Executor
	dialect *wire.Dialect
}

func newPBS(e Executor) queueSystem {
	return &pbs{exec: e}
}

func (p *pbs) identify(ctx context.Context) (*wire.Dialect, error) {
	if _, err := p.exec.Run(ctx, nil, "qselect"); err != nil {
		return nil, fmt.Errorf("qselect not available: %w", err)
	}
	out, err := p.exec.Run(ctx, nil, "qsub", "--version")
	if err != nil {
		return nil, fmt.Errorf("qsub not available: %w", err)
	}
	if strings.Contains(strings.ToLower(string(out)), "pbs_version") {
		p.dialect = &wire.Dialect{
			Flavour:         FlavourPBSPro,
			ArrayFlag:       "-J",
			ArrayIDVariable: "PBS_ARRAY_INDEX",
			QdelForceFlags:  []string{"-Wforce"},
		}
	} else {
		p.dialect = &wire.Dialect{
			Flavour:         FlavourTorque,
			ArrayFlag:       "-t",
			ArrayIDVariable: "PBS_ARRAYID",
			QdelForceFlags:  []string{"-W", "0"},
		}
	}
	return p.dialect, nil
}

func (p *pbs) script(jobs, headerLines []string) string {
	var header []string
	if len(jobs) > 1 {
		header = append(header, fmt.Sprintf("#PBS %s 1-%d", p.dialect.ArrayFlag, len(jobs)))
	}
	header = append(header,
		"#PBS -N pprofit",
		"#PBS -j oe",
		fmt.Sprintf("#PBS -o \"%s\"", batchDir(jobs)),
	)
	return buildScript(jobs, headerLines, scriptOptions{header: header, indexVar: p.dialect.ArrayIDVariable})
}

func (p *pbs) submit(ctx context.Context, script string) (string, error) {
	out, err := p.exec.Run(ctx, []byte(script), "qsub", "-h")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *pbs) rawSelect(ctx context.Context) ([]string, error) {
	args := []string{}
	if u := currentUser(); u != "" {
		args = append(args, "-u", u)
	}
	out, err := p.exec.Run(ctx, nil, "qselect", args...)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (p *pbs) selectJobs(ctx context.Context) ([]string, error) {
	ids, err := p.rawSelect(ctx)
	if err != nil {
		return nil, err
	}
	if p.dialect.Flavour != FlavourTorque {
		return unique(ids), nil
	}
	for i, id := range ids {
		ids[i] = compressTorqueID(id)
	}
	return unique(ids), nil
}

// compressTorqueID maps a TORQUE array sub-job id onto its parent id.
func compressTorqueID(id string) string {
	if m := torqueBracketID.FindStringSubmatch(id); m != nil {
		return m[1] + "[]" + m[2]
	}
	if m := torqueDashID.FindStringSubmatch(id); m != nil {
		return m[1] + m[2]
	}
	return id
}

// expand returns the ids to pass to qrls and qdel. TORQUE needs every array
// sub-job listed; PBSPro accepts the parent id.
func (p *pbs) expand(ctx context.Context, ids []string) ([]string, error) {
	if p.dialect.Flavour != FlavourTorque {
		return ids, nil
	}
	raw, err := p.rawSelect(ctx)
	if err != nil {
		return nil, err
	}
	var expanded []string
	for _, id := range ids {
		found := false
		for _, r := range raw {
			if compressTorqueID(r) == id {
				expanded = append(expanded, r)
				found = true
			}
		}
		if !found {
			expanded = append(expanded, id)
		}
	}
	return expanded, nil
}

func (p *pbs) release(ctx context.Context, jobID string) error {
	ids, err := p.expand(ctx, []string{jobID})
	if err != nil {
		return err
	}
	_, err = p.exec.Run(ctx, nil, "qrls", ids...)
	return err
}

func (p *pbs) delete(ctx context.Context, jobIDs []string, force bool) error {
	ids, err := p.expand(ctx, jobIDs)
	if err != nil {
		return err
	}
	var args []string
	if force {
		args = append(args, p.dialect.QdelForceFlags...)
	}
	_, err = p.exec.Run(ctx, nil, "qdel", append(args, ids...)...)
	return err
}
