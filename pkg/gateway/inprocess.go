package gateway

import (
	"context"
	"io"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// InProcess serves a worker on a goroutine connected by pipes. The "remote"
// side shares the local filesystem.
func InProcess(opts ...Option) *channel.Gateway {
	o := buildOptions(opts)

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	opts2 := append([]worker.Option{worker.WithLogger(o.log.With("side", "worker"))}, o.workerOptions...)
	srv := worker.NewServer(opts2...)
	done := make(chan error, 1)
	go func() {
		err := srv.Serve(context.Background(), serverR, serverW)
		_ = serverW.Close()
		done <- err
	}()

	return channel.NewGateway("inprocess", &streamConn{Reader: clientR, in: clientW},
		channel.WithGatewayLogger(o.log),
		channel.WithWait(func() error {
			return <-done
		}),
	)
}
