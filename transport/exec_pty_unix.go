//go:build unix

package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/netbirdio/splice/stream"
)

const (
	defaultPTYRows = 24
	defaultPTYCols = 80

	// eofChar is VEOF (Ctrl-D). At the start of a line the line discipline
	// turns it into end of input for the reading child.
	eofChar = 0x04
)

// startPTY runs cmd as session leader on a new pseudo terminal. Standard
// input, output and error of the child all go through the terminal.
func (c *execConnector) startPTY(cmd *exec.Cmd) (stream.Stream, error) {
	ptmx, err := pty.StartWithSize(cmd, c.windowSize())
	if err != nil {
		return nil, fmt.Errorf("start %q on pty: %w", c.command, err)
	}
	log.Debugf("started %q with pid %d on %s", c.command, cmd.Process.Pid, ptmx.Name())

	return stream.Wrap(&ptyProcess{ptmx: ptmx, cmd: cmd}), nil
}

func (c *execConnector) windowSize() *pty.Winsize {
	ws := &pty.Winsize{Rows: uint16(c.rows), Cols: uint16(c.cols)}

	fd := int(os.Stdin.Fd())
	if (ws.Rows == 0 || ws.Cols == 0) && term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil {
			if ws.Rows == 0 {
				ws.Rows = uint16(rows)
			}
			if ws.Cols == 0 {
				ws.Cols = uint16(cols)
			}
		}
	}

	if ws.Rows == 0 {
		ws.Rows = defaultPTYRows
	}
	if ws.Cols == 0 {
		ws.Cols = defaultPTYCols
	}
	return ws
}

// ptyProcess is the master side of the terminal of a child process.
type ptyProcess struct {
	ptmx *os.File
	cmd  *exec.Cmd

	once sync.Once
	err  error
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	// Linux reports EIO once the last holder of the terminal is gone.
	if errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

// CloseWrite sends end of input. A terminal has no half close.
func (p *ptyProcess) CloseWrite() error {
	if _, err := p.ptmx.Write([]byte{eofChar}); err != nil {
		return fmt.Errorf("send end of input: %w", err)
	}
	return nil
}

// Close hangs up the terminal and reaps the child.
func (p *ptyProcess) Close() error {
	p.once.Do(func() {
		if err := p.ptmx.Close(); err != nil {
			log.Debugf("failed to close pty of process %d: %s", p.cmd.Process.Pid, err)
		}
		p.err = reap(p.cmd)
	})
	return p.err
}
