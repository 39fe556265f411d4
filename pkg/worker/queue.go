package worker

import (
	"context"
	"fmt"
	"os/user"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// queueSystem is one queueing-system dialect.
type queueSystem interface {
	identify(ctx context.Context) (*wire.Dialect, error)
	script(jobs, headerLines []string) string
	submit(ctx context.Context, script string) (string, error)
	selectJobs(ctx context.Context) ([]string, error)
	release(ctx context.Context, jobID string) error
	delete(ctx context.Context, jobIDs []string, force bool) error
}

// queueModule adapts a dialect constructor into a channel handler.
func (s *Server) queueModule(newSystem func(Executor) queueSystem) Handler {
	return func(ctx context.Context, conn *Conn) error {
		return serveQueue(ctx, conn, newSystem(conn.exec))
	}
}

func serveQueue(ctx context.Context, conn *Conn, qs queueSystem) error {
	start, ok := expectStart(ctx, conn, wire.StartQueueChannel)
	if !ok {
		return nil
	}
	id := start.ChannelID

	dialect, err := qs.identify(ctx)
	if err != nil {
		return conn.Send(wire.NewError(id, perr.CategoryOS, perr.CodeUnsupportedDialect, err.Error()))
	}
	if err := conn.Send(&wire.Msg{Type: wire.Ready, ChannelID: id, Dialect: dialect}); err != nil {
		return err
	}
	conn.Log().Debug("queue channel ready", "flavour", dialect.Flavour)

	for {
		m, ok := conn.Receive(ctx)
		if !ok {
			return nil
		}
		if err := conn.Send(handleQueue(ctx, id, qs, m)); err != nil {
			return err
		}
	}
}

func handleQueue(ctx context.Context, id string, qs queueSystem, m *wire.Msg) *wire.Msg {
	if m.Type == wire.KeepAlive {
		return echo(id, m)
	}
	switch m.Type {
	case wire.QSub, wire.QSelect, wire.QRls, wire.QDel:
	default:
		return unknownType(id, m)
	}
	if m.TransactionID == "" {
		return missingKey(id, m, "transaction_id")
	}

	reply := &wire.Msg{Type: m.Type, ChannelID: id, TransactionID: m.TransactionID}
	failed := func(err error) *wire.Msg {
		return errorFor(id, m, perr.CategoryOS, perr.CodeCommandFailed, err.Error())
	}

	switch m.Type {
	case wire.QSub:
		if len(m.Jobs) == 0 {
			return missingKey(id, m, "jobs")
		}
		jobID, err := qs.submit(ctx, qs.script(m.Jobs, m.HeaderLines))
		if err != nil {
			return failed(err)
		}
		reply.JobID = jobID

	case wire.QSelect:
		ids, err := qs.selectJobs(ctx)
		if err != nil {
			return failed(err)
		}
		reply.JobIDs = ids
		if reply.JobIDs == nil {
			reply.JobIDs = []string{}
		}

	case wire.QRls:
		if m.JobID == "" {
			return missingKey(id, m, "job_id")
		}
		if err := qs.release(ctx, m.JobID); err != nil {
			return failed(err)
		}
		reply.JobID = m.JobID

	case wire.QDel:
		if len(m.JobIDs) == 0 {
			return missingKey(id, m, "job_ids")
		}
		if err := qs.delete(ctx, m.JobIDs, m.Force); err != nil {
			return failed(err)
		}
		reply.JobIDs = m.JobIDs
	}
	return reply
}

// scriptOptions describes the parts of a submission script that differ
// between dialects.
type scriptOptions struct {
	header      []string // directive lines, without the shebang
	indexVar    string   // environment variable holding the sub-job index
	alwaysArray bool
	traps       string
}

// buildScript renders an array submission script. Each entry of jobs is the
// remote path of a job's runjob wrapper; the wrapper's directory is copied to
// node-local scratch, run there and copied back into <job dir>/output.
func buildScript(jobs, headerLines []string, o scriptOptions) string {
	var b strings.Builder
	b.WriteString("#! /bin/bash\n")
	for _, line := range o.header {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	for _, line := range headerLines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if len(jobs) == 1 && !o.alwaysArray {
		fmt.Fprintf(&b, "JOB_PATH=%s\n", shellescape.Quote(jobs[0]))
	} else {
		for i, job := range jobs {
			fmt.Fprintf(&b, "JOB_ARRAY[%d]=%s\n", i+1, shellescape.Quote(job))
		}
		fmt.Fprintf(&b, "JOB_PATH=\"${JOB_ARRAY[$%s]}\"\n", o.indexVar)
	}

	traps := o.traps
	if traps == "" {
		traps = "EXIT"
	}
	fmt.Fprintf(&b, `
JOB_DIR="$(dirname "$JOB_PATH")"
RUNSCRIPT="$(basename "$JOB_PATH")"

if [ -z "$TMPDIR" ] || [ ! -d "$TMPDIR" ]; then
  TMPDIR="$(mktemp -d)"
  REMOVE_TMPDIR=1
fi
WORKDIR="$(mktemp -d "$TMPDIR/pprofit.XXXXXX")"
cp -r "$JOB_DIR"/* "$WORKDIR"
cd "$WORKDIR"

finish() {
  mkdir -p "$JOB_DIR/output"
  cp -r "$WORKDIR"/* "$JOB_DIR/output"
  cd /
  rm -rf "$WORKDIR"
  if [ -n "$REMOVE_TMPDIR" ]; then
    rm -rf "$TMPDIR"
  fi
}
trap finish %s

"${SHELL:-/bin/bash}" "$RUNSCRIPT" > STDOUT 2> STDERR
echo $? > STATUS
`, traps)
	return b.String()
}

// batchDir returns the directory holding the job directories of a
// submission, used for scheduler log files.
func batchDir(jobs []string) string {
	return filepath.Dir(filepath.Dir(jobs[0]))
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// lines splits command output into trimmed, non-empty lines.
func lines(out []byte) []string {
	var res []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			res = append(res, id)
		}
	}
	return res
}
