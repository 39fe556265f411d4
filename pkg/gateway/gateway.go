// Package gateway starts pprofit workers and connects a channel.Gateway to
// them. Workers run in-process, as a local subprocess, over SSH, or inside a
// Kubernetes pod or Docker container.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// WorkerEnv is set to "1" in the environment of local worker subprocesses.
const WorkerEnv = "PPROFIT_WORKER"

// DefaultRemoteCommand starts the worker on remote hosts.
const DefaultRemoteCommand = "pprofit worker"

// closeTimeout bounds the wait for a worker process to exit after its stdin
// is closed.
const closeTimeout = 10 * time.Second

type options struct {
	log           *plog.Logger
	remoteCommand string
	sshOptions    map[string]string
	kubeconfig    string
	workerOptions []worker.Option
}

// Option configures a gateway.
type Option func(*options)

// WithLogger sets the logger for the gateway and forwarded worker stderr.
func WithLogger(l *plog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithRemoteCommand overrides DefaultRemoteCommand.
func WithRemoteCommand(cmd string) Option {
	return func(o *options) {
		if cmd != "" {
			o.remoteCommand = cmd
		}
	}
}

// WithSSHOptions applies ssh_config style options (keys are matched case
// insensitively), e.g. IdentityFile, Port, User, StrictHostKeyChecking.
func WithSSHOptions(opts map[string]string) Option {
	return func(o *options) {
		for k, v := range opts {
			o.sshOptions[strings.ToLower(k)] = v
		}
	}
}

// WithKubeconfig sets the kubeconfig used by Kubernetes gateways.
func WithKubeconfig(path string) Option {
	return func(o *options) {
		o.kubeconfig = path
	}
}

// WithWorkerOptions configures in-process workers.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(o *options) {
		o.workerOptions = append(o.workerOptions, opts...)
	}
}

func buildOptions(opts []Option) options {
	o := options{remoteCommand: DefaultRemoteCommand, sshOptions: make(map[string]string)}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = plog.OrDiscard(o.log)
	return o
}

// Target is a parsed remote host URL.
//
//	ssh://[user@]host[:port]/path
//	kube://namespace/pod/path?container=name
//	docker://container/path
type Target struct {
	Scheme    string
	User      string
	Host      string
	Port      int
	Pod       string
	Container string
	Path      string
}

func (t Target) String() string {
	switch t.Scheme {
	case "kube":
		return fmt.Sprintf("kube://%s/%s", t.Host, t.Pod)
	case "docker":
		return "docker://" + t.Host
	}
	host := t.Host
	if t.User != "" {
		host = t.User + "@" + host
	}
	if t.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, t.Port)
	}
	return "ssh://" + host
}

// ParseTarget parses a remotehost URL.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, perr.Config(perr.CodeBadURL, "invalid remote host %q: %v", raw, err)
	}
	if u.Host == "" {
		return Target{}, perr.Config(perr.CodeBadURL, "remote host %q has no host part", raw)
	}

	t := Target{Scheme: u.Scheme, Host: u.Hostname(), Path: u.Path}
	switch u.Scheme {
	case "ssh":
		t.User = u.User.Username()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return Target{}, perr.Config(perr.CodeBadURL, "invalid port in %q", raw)
			}
			t.Port = port
		}
	case "kube":
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if parts[0] == "" {
			return Target{}, perr.Config(perr.CodeBadURL, "kube remote host %q must name a pod", raw)
		}
		t.Pod = parts[0]
		t.Path = ""
		if len(parts) == 2 {
			t.Path = "/" + parts[1]
		}
		t.Container = u.Query().Get("container")
	case "docker":
	default:
		return Target{}, perr.Config(perr.CodeBadURL, "remote host %q must be of the form ssh://[user@]host/path", raw)
	}
	return t, nil
}

// Dial starts a worker on target.
func Dial(ctx context.Context, t Target, opts ...Option) (*channel.Gateway, error) {
	switch t.Scheme {
	case "ssh":
		return SSH(ctx, t, opts...)
	case "kube":
		return Kube(ctx, t, opts...)
	case "docker":
		return Docker(ctx, t, opts...)
	}
	return nil, perr.Config(perr.CodeBadURL, "unsupported gateway scheme %q", t.Scheme)
}

// streamConn joins a worker's stdout and stdin. Closing it closes stdin only;
// the read side ends when the worker exits.
type streamConn struct {
	io.Reader
	in io.WriteCloser
}

func (c *streamConn) Write(p []byte) (int, error) {
	return c.in.Write(p)
}

func (c *streamConn) Close() error {
	return c.in.Close()
}

// stderrLogger returns a writer whose lines are logged at debug level.
func stderrLogger(log *plog.Logger) io.WriteCloser {
	r, w := io.Pipe()
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			log.Debug("worker: " + sc.Text())
		}
		_ = r.Close()
	}()
	return w
}

// waitWithTimeout runs wait and calls kill when it has not returned within
// closeTimeout.
func waitWithTimeout(wait func() error, kill func()) error {
	done := make(chan error, 1)
	go func() {
		done <- wait()
	}()
	t := time.NewTimer(closeTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		kill()
		return errors.Join(errors.New("worker did not exit, killed"), <-done)
	}
}

// ServeStdio runs a worker on the process's stdin and stdout.
func ServeStdio(ctx context.Context, opts ...worker.Option) error {
	return worker.NewServer(opts...).Serve(ctx, os.Stdin, os.Stdout)
}
