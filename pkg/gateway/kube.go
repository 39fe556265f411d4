package gateway

import (
	"context"
	"fmt"
	"io"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/k8s"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
)

// Kube starts the worker inside a pod with the exec subresource. t.Host is
// the namespace.
func Kube(ctx context.Context, t Target, opts ...Option) (*channel.Gateway, error) {
	o := buildOptions(opts)

	client, err := k8s.NewClient(o.kubeconfig)
	if err != nil {
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, err)
	}

	req := client.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(t.Pod).
		Namespace(t.Host).
		SubResource("exec")

	req.VersionedParams(&corev1.PodExecOptions{
		Container: t.Container,
		Command:   strings.Fields(o.remoteCommand),
		Stdin:     true,
		Stdout:    true,
		Stderr:    true,
		TTY:       false,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(client.Config, "POST", req.URL())
	if err != nil {
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to create pod executor: %w", err))
	}

	log := o.log.With("pod", t.String())
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderr := stderrLogger(log)

	// The stream outlives the dial context; it ends when stdin is closed.
	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		err := exec.StreamWithContext(streamCtx, remotecommand.StreamOptions{
			Stdin:  stdinR,
			Stdout: stdoutW,
			Stderr: stderr,
			Tty:    false,
		})
		_ = stdoutW.CloseWithError(err)
		_ = stderr.Close()
		done <- err
	}()

	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	default:
	}
	log.Debug("pod worker started", "command", o.remoteCommand)

	return channel.NewGateway(t.String(), &streamConn{Reader: stdoutR, in: stdinW},
		channel.WithGatewayLogger(log),
		channel.WithWait(func() error {
			defer cancel()
			return waitWithTimeout(func() error { return <-done }, cancel)
		}),
	), nil
}
