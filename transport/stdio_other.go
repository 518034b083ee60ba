//go:build !unix

package transport

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/netbirdio/splice/stream"
)

// openStdio shares the process handles. A pending read on standard input is
// not interrupted when the stream is closed on these platforms.
func openStdio(raw bool) (stream.Stream, error) {
	s := &stdioStream{Pair: stream.Join(io.NopCloser(os.Stdin), stream.NopWriteCloser(os.Stdout))}
	if !raw {
		return s, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		log.Debugf("standard input is not a terminal, keeping its mode")
		return s, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set terminal raw mode: %w", err)
	}
	s.restore = func() error {
		return term.Restore(fd, state)
	}
	return s, nil
}

type stdioStream struct {
	*stream.Pair

	restore func() error
	once    sync.Once
}

func (s *stdioStream) Close() error {
	err := s.Pair.Close()
	s.once.Do(func() {
		if s.restore == nil {
			return
		}
		if rErr := s.restore(); rErr != nil {
			log.Warnf("failed to restore terminal mode: %s", rErr)
		}
	})
	return err
}
