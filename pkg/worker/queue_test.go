package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

type call struct {
	stdin string
	name  string
	args  []string
}

func (c call) String() string {
	return strings.Join(append([]string{c.name}, c.args...), " ")
}

// fakeExecutor answers queueing commands from a table keyed by the command
// name, or by "name arg0" when that is more specific.
type fakeExecutor struct {
	mu     sync.Mutex
	output map[string]string
	fail   map[string]bool
	calls  []call
}

func newFakeExecutor(output map[string]string) *fakeExecutor {
	return &fakeExecutor{output: output, fail: map[string]bool{}}
}

func (f *fakeExecutor) Run(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{stdin: string(stdin), name: name, args: args})

	keys := []string{name}
	if len(args) > 0 {
		keys = []string{name + " " + args[0], name}
	}
	for _, k := range keys {
		if f.fail[k] {
			return nil, errors.New(k + " failed")
		}
		if out, ok := f.output[k]; ok {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func (f *fakeExecutor) find(name string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []call
	for _, c := range f.calls {
		if c.name == name {
			res = append(res, c)
		}
	}
	return res
}

func (f *fakeExecutor) last(name string) call {
	calls := f.find(name)
	if len(calls) == 0 {
		return call{}
	}
	return calls[len(calls)-1]
}

var batchJobs = []string{"/scratch/batch/0/runjob", "/scratch/batch/1/runjob"}

func TestPBSProQueue(t *testing.T) {
	exec := newFakeExecutor(map[string]string{
		"qsub --version": "pbs_version = 19.1.3\n",
		"qsub -h":        "1234.head\n",
		"qselect":        "1234.head\n1234.head\n",
	})
	gw := newGateway(t, worker.WithExecutor(exec))
	ch, in := startChannel(t, gw, worker.ModulePBS, &wire.Msg{Type: wire.StartQueueChannel})

	dialect := ch.Handshake().Dialect
	require.NotNil(t, dialect)
	assert.Equal(t, worker.FlavourPBSPro, dialect.Flavour)
	assert.Equal(t, "PBS_ARRAY_INDEX", dialect.ArrayIDVariable)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSub, TransactionID: "t1", Jobs: batchJobs, HeaderLines: []string{"#PBS -l walltime=1:00:00"}}))
	reply := in.next(wire.QSub)
	assert.Equal(t, "t1", reply.TransactionID)
	assert.Equal(t, "1234.head", reply.JobID)

	script := exec.last("qsub").stdin
	assert.Contains(t, script, "#PBS -J 1-2\n")
	assert.Contains(t, script, "#PBS -o \"/scratch/batch\"\n")
	assert.Contains(t, script, "#PBS -l walltime=1:00:00\n")
	assert.Contains(t, script, "JOB_ARRAY[2]=/scratch/batch/1/runjob\n")
	assert.Contains(t, script, `JOB_PATH="${JOB_ARRAY[$PBS_ARRAY_INDEX]}"`)
	assert.Contains(t, script, "echo $? > STATUS")

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSelect, TransactionID: "t2"}))
	assert.Equal(t, []string{"1234.head"}, in.next(wire.QSelect).JobIDs)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QRls, TransactionID: "t3", JobID: "1234.head"}))
	in.next(wire.QRls)
	assert.Equal(t, []string{"1234.head"}, exec.last("qrls").args)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QDel, TransactionID: "t4", JobIDs: []string{"1234.head"}, Force: true}))
	in.next(wire.QDel)
	assert.Equal(t, []string{"-Wforce", "1234.head"}, exec.last("qdel").args)
}

func TestPBSSingleJobIsNotArray(t *testing.T) {
	exec := newFakeExecutor(map[string]string{"qsub --version": "pbs_version = 19\n", "qsub -h": "9.head\n"})
	gw := newGateway(t, worker.WithExecutor(exec))
	ch, in := startChannel(t, gw, worker.ModulePBS, &wire.Msg{Type: wire.StartQueueChannel})

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSub, TransactionID: "t1", Jobs: batchJobs[:1]}))
	in.next(wire.QSub)

	script := exec.last("qsub").stdin
	assert.NotContains(t, script, "#PBS -J")
	assert.Contains(t, script, "JOB_PATH=/scratch/batch/0/runjob\n")
}

func TestTorqueQueue(t *testing.T) {
	exec := newFakeExecutor(map[string]string{
		"qsub --version": "Version: 6.1.2\n",
		"qsub -h":        "77[].head\n",
		"qselect":        "77[1].head\n77[2].head\n80.head\n",
	})
	gw := newGateway(t, worker.WithExecutor(exec))
	ch, in := startChannel(t, gw, worker.ModulePBS, &wire.Msg{Type: wire.StartQueueChannel})
	assert.Equal(t, worker.FlavourTorque, ch.Handshake().Dialect.Flavour)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSub, TransactionID: "t1", Jobs: batchJobs}))
	assert.Equal(t, "77[].head", in.next(wire.QSub).JobID)
	assert.Contains(t, exec.last("qsub").stdin, "#PBS -t 1-2\n")

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSelect, TransactionID: "t2"}))
	assert.Equal(t, []string{"77[].head", "80.head"}, in.next(wire.QSelect).JobIDs)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QRls, TransactionID: "t3", JobID: "77[].head"}))
	in.next(wire.QRls)
	assert.Equal(t, []string{"77[1].head", "77[2].head"}, exec.last("qrls").args)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QDel, TransactionID: "t4", JobIDs: []string{"77[].head"}, Force: true}))
	in.next(wire.QDel)
	assert.Equal(t, []string{"-W", "0", "77[1].head", "77[2].head"}, exec.last("qdel").args)
}

func TestSGEQueue(t *testing.T) {
	exec := newFakeExecutor(map[string]string{
		"qsub": "42.1-2:1\n",
		"qstat": "job-ID  prior   name       user   state\n" +
			"-----------------------------------------\n" +
			"     42 0.555 pprofit    me     hqw  1\n" +
			"     42 0.555 pprofit    me     hqw  2\n",
	})
	gw := newGateway(t, worker.WithExecutor(exec))
	ch, in := startChannel(t, gw, worker.ModuleSGE, &wire.Msg{Type: wire.StartQueueChannel})
	assert.Equal(t, "SGE_TASK_ID", ch.Handshake().Dialect.ArrayIDVariable)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSub, TransactionID: "t1", Jobs: batchJobs[:1]}))
	assert.Equal(t, "42", in.next(wire.QSub).JobID)

	submit := exec.last("qsub")
	assert.Equal(t, []string{"-h", "-terse"}, submit.args)
	assert.Contains(t, submit.stdin, "#$ -t 1-1\n")
	assert.Contains(t, submit.stdin, "trap finish EXIT SIGUSR1 SIGUSR2\n")
	assert.Contains(t, submit.stdin, "JOB_ARRAY[1]=/scratch/batch/0/runjob\n")

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSelect, TransactionID: "t2"}))
	assert.Equal(t, []string{"42"}, in.next(wire.QSelect).JobIDs)

	exec.mu.Lock()
	exec.output["qstat"] = ""
	exec.mu.Unlock()
	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSelect, TransactionID: "t3"}))
	assert.Empty(t, in.next(wire.QSelect).JobIDs)
}

func TestSlurmQueue(t *testing.T) {
	exec := newFakeExecutor(map[string]string{
		"sbatch": "5150;cluster\n",
		"squeue": "5150\n",
	})
	gw := newGateway(t, worker.WithExecutor(exec))
	ch, in := startChannel(t, gw, worker.ModuleSlurm, &wire.Msg{Type: wire.StartQueueChannel})
	assert.Equal(t, worker.FlavourSlurm, ch.Handshake().Dialect.Flavour)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSub, TransactionID: "t1", Jobs: batchJobs}))
	assert.Equal(t, "5150", in.next(wire.QSub).JobID)
	assert.Contains(t, exec.last("sbatch").stdin, "#SBATCH --array=1-2\n")

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QRls, TransactionID: "t2", JobID: "5150"}))
	in.next(wire.QRls)
	assert.Equal(t, []string{"release", "5150"}, exec.last("scontrol").args)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QDel, TransactionID: "t3", JobIDs: []string{"5150"}, Force: true}))
	in.next(wire.QDel)
	assert.Equal(t, []string{"--signal=KILL", "5150"}, exec.last("scancel").args)
}

func TestQueueErrors(t *testing.T) {
	exec := newFakeExecutor(map[string]string{"qsub --version": "pbs_version = 19\n"})
	exec.fail["qsub -h"] = true
	gw := newGateway(t, worker.WithExecutor(exec))
	ch, in := startChannel(t, gw, worker.ModulePBS, &wire.Msg{Type: wire.StartQueueChannel})

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSub, TransactionID: "t1", Jobs: batchJobs}))
	reply := in.next(wire.Error)
	assert.True(t, reply.IsError(perr.CategoryOS, perr.CodeCommandFailed))
	assert.Equal(t, "t1", reply.TransactionID)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSub, TransactionID: "t2"}))
	assert.Equal(t, "jobs", in.next(wire.Error).Key)

	require.NoError(t, ch.Send(&wire.Msg{Type: wire.QSelect}))
	assert.Equal(t, "transaction_id", in.next(wire.Error).Key)
}

func TestQueueUnsupported(t *testing.T) {
	exec := newFakeExecutor(nil)
	exec.fail["squeue"] = true
	gw := newGateway(t, worker.WithExecutor(exec))

	_, err := startQueue(gw, worker.ModuleSlurm)
	require.Error(t, err)
	assert.True(t, perr.IsCode(err, perr.CodeUnsupportedDialect))
}
