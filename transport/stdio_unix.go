//go:build unix

package transport

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/netbirdio/splice/stream"
)

// Descriptors joined by the stdio connector.
var (
	stdinFD  = unix.Stdin
	stdoutFD = unix.Stdout
)

// stdioUsers counts open stdio streams. The non-blocking flag set on the
// duplicates is shared with the process descriptors, so the status flags seen
// before the first stream are put back when the last one closes.
var stdioUsers struct {
	sync.Mutex
	count int
	flags map[int]int
}

func acquireStdio() error {
	stdioUsers.Lock()
	defer stdioUsers.Unlock()

	if stdioUsers.count == 0 {
		flags := make(map[int]int, 2)
		for _, fd := range []int{stdinFD, stdoutFD} {
			fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
			if err != nil {
				return fmt.Errorf("get status flags of fd %d: %w", fd, err)
			}
			flags[fd] = fl
		}
		stdioUsers.flags = flags
	}
	stdioUsers.count++
	return nil
}

func releaseStdio() {
	stdioUsers.Lock()
	defer stdioUsers.Unlock()

	stdioUsers.count--
	if stdioUsers.count > 0 {
		return
	}

	for fd, fl := range stdioUsers.flags {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, fl); err != nil {
			log.Warnf("failed to restore status flags of fd %d: %s", fd, err)
		}
	}
	stdioUsers.flags = nil
}

func openStdio(raw bool) (stream.Stream, error) {
	if err := acquireStdio(); err != nil {
		return nil, err
	}

	in, err := dupNonblock(stdinFD, "/dev/stdin")
	if err != nil {
		releaseStdio()
		return nil, err
	}

	out, err := dupNonblock(stdoutFD, "/dev/stdout")
	if err != nil {
		_ = in.Close()
		releaseStdio()
		return nil, err
	}

	s := &stdioStream{Pair: stream.Join(in, out)}
	if raw {
		if err := s.makeRaw(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// dupNonblock duplicates fd in non-blocking mode so the runtime poller owns it
// and a pending read is interrupted when the duplicate is closed.
func dupNonblock(fd int, name string) (*os.File, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", name, err)
	}
	unix.CloseOnExec(dup)

	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return nil, fmt.Errorf("set %s non-blocking: %w", name, err)
	}
	return os.NewFile(uintptr(dup), name), nil
}

type stdioStream struct {
	*stream.Pair

	rawState *term.State
	once     sync.Once
}

func (s *stdioStream) makeRaw() error {
	if !term.IsTerminal(stdinFD) {
		log.Debugf("standard input is not a terminal, keeping its mode")
		return nil
	}

	state, err := term.MakeRaw(stdinFD)
	if err != nil {
		return fmt.Errorf("set terminal raw mode: %w", err)
	}
	s.rawState = state
	return nil
}

func (s *stdioStream) Close() error {
	err := s.Pair.Close()
	s.once.Do(func() {
		if s.rawState != nil {
			if rErr := term.Restore(stdinFD, s.rawState); rErr != nil {
				log.Warnf("failed to restore terminal mode: %s", rErr)
			}
		}
		releaseStdio()
	})
	return err
}
