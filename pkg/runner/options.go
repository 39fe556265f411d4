package runner

import (
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
)

const (
	// DefaultTransferChannels is the number of upload and of download
	// channels a runner opens.
	DefaultTransferChannels = 4

	// DefaultKeepAlive is the keep-alive interval on remote run channels.
	DefaultKeepAlive = 10 * time.Second

	// DefaultHardkillTimeout is how long a killed job has between SIGTERM
	// and SIGKILL.
	DefaultHardkillTimeout = 60 * time.Second
)

type options struct {
	log              *plog.Logger
	observers        []Observer
	archiver         Archiver
	gw               *channel.Gateway
	gatewayOptions   []gateway.Option
	disableCleanup   bool
	uploadChannels   int
	downloadChannels int
	keepAlive        time.Duration
	shell            string
	hardkillTimeout  time.Duration
	handshakeTimeout time.Duration
	pollInterval     time.Duration
}

// Option configures a runner.
type Option func(*options)

// WithLogger sets the runner's logger.
func WithLogger(l *plog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithObservers adds batch observers.
func WithObservers(obs ...Observer) Option {
	return func(o *options) {
		o.observers = append(o.observers, obs...)
	}
}

// WithArchiver archives the output of each successful job.
func WithArchiver(a Archiver) Option {
	return func(o *options) {
		o.archiver = a
	}
}

// WithGateway runs on an already connected gateway instead of starting one.
// The runner closes it.
func WithGateway(gw *channel.Gateway) Option {
	return func(o *options) {
		o.gw = gw
	}
}

// WithGatewayOptions configures the gateway the runner starts.
func WithGatewayOptions(opts ...gateway.Option) Option {
	return func(o *options) {
		o.gatewayOptions = append(o.gatewayOptions, opts...)
	}
}

// WithCleanupDisabled leaves job directories on the remote host.
func WithCleanupDisabled(disabled bool) Option {
	return func(o *options) {
		o.disableCleanup = disabled
	}
}

// WithTransferChannels sets the number of upload and download channels.
func WithTransferChannels(upload, download int) Option {
	return func(o *options) {
		if upload > 0 {
			o.uploadChannels = upload
		}
		if download > 0 {
			o.downloadChannels = download
		}
	}
}

// WithKeepAlive sets the keep-alive interval of run channels. Zero disables
// keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) {
		o.keepAlive = d
	}
}

// WithShell sets the shell that runs runjob scripts.
func WithShell(shell string) Option {
	return func(o *options) {
		o.shell = shell
	}
}

// WithHardkillTimeout sets the delay between SIGTERM and SIGKILL for killed
// jobs.
func WithHardkillTimeout(d time.Duration) Option {
	return func(o *options) {
		o.hardkillTimeout = d
	}
}

// WithHandshakeTimeout bounds channel handshakes.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// WithPollInterval sets how often queueing runners poll the queue.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func buildOptions(opts []Option, defaults options) options {
	o := defaults
	o.uploadChannels = DefaultTransferChannels
	o.downloadChannels = DefaultTransferChannels
	o.hardkillTimeout = DefaultHardkillTimeout
	for _, opt := range opts {
		opt(&o)
	}
	o.log = plog.OrDiscard(o.log)
	return o
}

func (o options) channelOptions() []channel.Option {
	if o.handshakeTimeout > 0 {
		return []channel.Option{channel.WithHandshakeTimeout(o.handshakeTimeout)}
	}
	return nil
}

// gatewayOpts returns the gateway options with the runner's logger first.
func (o options) gatewayOpts() []gateway.Option {
	return append([]gateway.Option{gateway.WithLogger(o.log)}, o.gatewayOptions...)
}
