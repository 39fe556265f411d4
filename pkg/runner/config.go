package runner

import (
	"context"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
)

// FromConfig builds the runner described by rc. opts are applied after the
// options derived from rc.
func FromConfig(ctx context.Context, name string, rc config.RunnerConfig, opts ...Option) (Runner, error) {
	if err := rc.Validate(name); err != nil {
		return nil, err
	}
	if rc.Type == config.TypeLocal {
		r, err := NewLocal(ctx, name, rc.NProcesses, opts...)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	if _, err := gateway.ParseTarget(rc.RemoteHost); err != nil {
		return nil, err
	}
	gwOpts := []gateway.Option{gateway.WithRemoteCommand(rc.RemoteCommand)}
	if rc.SSHConfig != "" {
		sshOpts, err := config.ReadSSHConfig(rc.SSHConfig)
		if err != nil {
			return nil, err
		}
		gwOpts = append(gwOpts, gateway.WithSSHOptions(sshOpts))
	}
	derived := []Option{
		WithGatewayOptions(gwOpts...),
		WithCleanupDisabled(rc.Debug.DisableCleanup),
	}
	opts = append(derived, opts...)

	if rc.Type == config.TypeRemote {
		r, err := NewRemote(ctx, name, rc.RemoteHost, rc.NProcesses, opts...)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	qc := QueueConfig{
		System:     System(rc.Type),
		RemoteHost: rc.RemoteHost,
		BatchSize:  rc.BatchSize,
	}
	if rc.HeaderInclude != "" {
		lines, err := ReadHeaderInclude(rc.HeaderInclude)
		if err != nil {
			return nil, err
		}
		qc.HeaderLines = lines
	}
	opts = append([]Option{WithPollInterval(rc.Poll())}, opts...)
	r, err := NewQueueing(ctx, name, qc, opts...)
	if err != nil {
		return nil, err
	}
	return r, nil
}
