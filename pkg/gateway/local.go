package gateway

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
)

// Local starts the current executable as a worker subprocess.
func Local(ctx context.Context, opts ...Option) (*channel.Gateway, error) {
	o := buildOptions(opts)

	exe, err := os.Executable()
	if err != nil {
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to locate executable: %w", err))
	}

	cmd := exec.Command(exe, "worker")
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	stderr := stderrLogger(o.log)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// A plain os.Pipe keeps the read side open until the gateway sees EOF;
	// cmd.StdoutPipe would be closed by Wait.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to start worker: %w", err))
	}
	_ = stdoutW.Close()
	o.log.Debug("local worker started", "pid", cmd.Process.Pid)

	return channel.NewGateway("local", &streamConn{Reader: stdoutR, in: stdin},
		channel.WithGatewayLogger(o.log),
		channel.WithWait(func() error {
			defer stderr.Close()
			return waitWithTimeout(cmd.Wait, func() { _ = cmd.Process.Kill() })
		}),
	), nil
}
