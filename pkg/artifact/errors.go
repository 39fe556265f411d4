package artifact

import "errors"

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrBucketMissing = errors.New("artifact bucket does not exist")
)
