package perr

import "errors"

var (
	ErrRunnerClosed       = errors.New("runner closed")
	ErrJobAlreadyFinished = errors.New("job already finished")
	ErrJobKilled          = errors.New("job killed")
	ErrQueueJobKilled     = errors.New("queueing system job killed")
	ErrUploadCancelled    = errors.New("upload cancelled")
	ErrDownloadCancelled  = errors.New("download cancelled")
	ErrChannelClosed      = errors.New("channel closed")
	ErrGatewayClosed      = errors.New("gateway closed")
	ErrHandshakeTimeout   = errors.New("timed out waiting for channel handshake")
	ErrBatchTerminated    = errors.New("batch terminated")
)
