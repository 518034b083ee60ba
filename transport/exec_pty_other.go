//go:build !unix

package transport

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/netbirdio/splice/stream"
)

func (c *execConnector) startPTY(*exec.Cmd) (stream.Stream, error) {
	return nil, fmt.Errorf("%w: pty on %s", ErrNotSupported, runtime.GOOS)
}
