package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/splice/stream"
)

const defaultShell = "/bin/sh"

// exitGracePeriod is how long Close waits for the child before killing it.
var exitGracePeriod = 5 * time.Second

type execConnector struct {
	command string
	shell   string

	pty  bool
	rows int
	cols int
}

// parseExec accepts exec:COMMAND and exec:?cmd=COMMAND&shell=PATH&pty=BOOL&rows=N&cols=N.
func parseExec(u *url.URL) (Connector, error) {
	c := &execConnector{}

	fs := newOptions(u.Scheme)
	fs.StringVar(&c.command, "cmd", "", "command line run by the shell")
	fs.StringVar(&c.shell, "shell", defaultShell, "shell executing the command")
	fs.BoolVar(&c.pty, "pty", false, "run the command on a pseudo terminal")
	fs.IntVar(&c.rows, "rows", 0, "pseudo terminal rows, taken from the controlling terminal when zero")
	fs.IntVar(&c.cols, "cols", 0, "pseudo terminal columns, taken from the controlling terminal when zero")
	if err := decodeQuery(fs, u.Query()); err != nil {
		return nil, configError(u, "%w", err)
	}

	if u.Opaque != "" {
		if fs.Changed("cmd") {
			return nil, configError(u, "command given twice")
		}
		c.command = u.Opaque
	}

	if c.command == "" {
		return nil, configError(u, "missing command")
	}
	if c.shell == "" {
		return nil, configError(u, "empty shell")
	}
	if (fs.Changed("rows") || fs.Changed("cols")) && !c.pty {
		return nil, configError(u, "rows and cols need pty=true")
	}
	if c.rows < 0 || c.rows > 0xffff || c.cols < 0 || c.cols > 0xffff {
		return nil, configError(u, "terminal size %dx%d out of range", c.cols, c.rows)
	}
	return c, nil
}

func (c *execConnector) Kind() Kind {
	return Exec
}

// Connect starts the command. Its standard output is the read half and its
// standard input the write half of the stream; standard error is inherited.
func (c *execConnector) Connect(ctx context.Context) (stream.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.shell, "-c", c.command)
	if c.pty {
		return c.startPTY(cmd)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", c.command, err)
	}
	log.Debugf("started %q with pid %d", c.command, cmd.Process.Pid)

	return stream.Join(&processOutput{ReadCloser: stdout, cmd: cmd}, stdin), nil
}

func (c *execConnector) Close() error {
	return nil
}

// processOutput is the read half of a child process. Closing it reaps the
// child, killing it when it does not exit in time.
type processOutput struct {
	io.ReadCloser
	cmd *exec.Cmd

	once sync.Once
	err  error
}

func (p *processOutput) Close() error {
	p.once.Do(func() {
		_ = p.ReadCloser.Close()
		p.err = reap(p.cmd)
	})
	return p.err
}

// reap waits for the child and kills it when it does not exit in time. A non
// zero exit status is only logged.
func reap(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(exitGracePeriod):
		log.Warnf("process %d did not exit in %s, killing it", cmd.Process.Pid, exitGracePeriod)
		_ = cmd.Process.Kill()
		err = <-done
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Debugf("process %d exited: %s", cmd.Process.Pid, exitErr)
		return nil
	}
	return err
}
