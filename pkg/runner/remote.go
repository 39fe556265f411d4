package runner

import (
	"context"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
)

// Remote runs jobs on another host through a worker started over SSH (or in
// a pod or container).
type Remote struct {
	*pooledRunner
	target gateway.Target
}

var _ Runner = (*Remote)(nil)

// NewRemote connects to remoteHost, a URL such as ssh://user@host/scratch,
// and runs up to nprocesses jobs at once in a new directory under the URL's
// path. Without a path the worker creates a scratch directory.
func NewRemote(ctx context.Context, name, remoteHost string, nprocesses int, opts ...Option) (*Remote, error) {
	o := buildOptions(opts, options{keepAlive: DefaultKeepAlive})
	target, err := gateway.ParseTarget(remoteHost)
	if err != nil {
		return nil, err
	}
	gw, err := dial(ctx, target, o)
	if err != nil {
		return nil, err
	}
	r, err := newPooledRunner(ctx, name, gw, target.Path, nprocesses, o)
	if err != nil {
		return nil, err
	}
	return &Remote{pooledRunner: r, target: target}, nil
}

// Target is the host the runner is connected to.
func (r *Remote) Target() gateway.Target {
	return r.target
}

func dial(ctx context.Context, target gateway.Target, o options) (*channel.Gateway, error) {
	if o.gw != nil {
		return o.gw, nil
	}
	return gateway.Dial(ctx, target, o.gatewayOpts()...)
}
