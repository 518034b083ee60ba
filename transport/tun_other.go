//go:build !linux

package transport

import (
	"context"
	"fmt"
	"runtime"

	"github.com/netbirdio/splice/stream"
)

func (c *tunConnector) Connect(context.Context) (stream.Stream, error) {
	return nil, fmt.Errorf("%w: tun on %s", ErrNotSupported, runtime.GOOS)
}
