package gateway

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
)

// Docker starts the worker inside a running container with docker exec.
// t.Host is the container name or id.
func Docker(ctx context.Context, t Target, opts ...Option) (*channel.Gateway, error) {
	o := buildOptions(opts)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to create docker client: %w", err))
	}

	created, err := cli.ContainerExecCreate(ctx, t.Host, container.ExecOptions{
		Cmd:          strings.Fields(o.remoteCommand),
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		_ = cli.Close()
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to create exec in %s: %w", t.Host, err))
	}

	resp, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		_ = cli.Close()
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to attach to exec in %s: %w", t.Host, err))
	}

	log := o.log.With("container", t.Host)
	stderr := stderrLogger(log)
	stdoutR, stdoutW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderr, resp.Reader)
		_ = stdoutW.CloseWithError(err)
		_ = stderr.Close()
		done <- err
	}()
	log.Debug("container worker started", "exec_id", created.ID)

	return channel.NewGateway(t.String(), &streamConn{Reader: stdoutR, in: hijackedStdin{close: resp.CloseWrite, w: resp.Conn}},
		channel.WithGatewayLogger(log),
		channel.WithWait(func() error {
			defer cli.Close()
			defer resp.Close()
			return waitWithTimeout(func() error { return <-done }, resp.Close)
		}),
	), nil
}

// hijackedStdin writes to the exec connection and half-closes it on Close.
type hijackedStdin struct {
	w     io.Writer
	close func() error
}

func (h hijackedStdin) Write(p []byte) (int, error) {
	return h.w.Write(p)
}

func (h hijackedStdin) Close() error {
	return h.close()
}
