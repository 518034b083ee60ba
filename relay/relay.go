package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/netbirdio/splice/stream"
)

// DefaultBufferSize is the size of the copy buffer of one direction.
const DefaultBufferSize = 32 * 1024

// Direction names one of the two flows of a relay pair.
type Direction string

const (
	LeftToRight Direction = "left_to_right"
	RightToLeft Direction = "right_to_left"
)

// Recorder observes every chunk written to a destination.
type Recorder interface {
	RecordTransfer(dir Direction, n int64)
}

// Result holds the number of bytes written in each direction.
type Result struct {
	LeftToRight int64
	RightToLeft int64
}

type options struct {
	bufferSize int
	recorder   Recorder
	logger     *log.Entry
}

// Option configures a Relay call.
type Option func(*options)

// WithBufferSize sets the copy buffer size. Values below 1 keep the default.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithRecorder registers a transfer observer.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithLogger sets the log entry used for the pair.
func WithLogger(entry *log.Entry) Option {
	return func(o *options) {
		o.logger = entry
	}
}

// Relay copies left to right and right to left until both directions reached
// end of stream, one of them failed or ctx is done. It owns both streams and
// always closes them before returning.
func Relay(ctx context.Context, left, right stream.Stream, opts ...Option) (Result, error) {
	o := options{
		bufferSize: DefaultBufferSize,
		logger:     log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(&o)
	}

	closeBoth := func() {
		if err := left.Close(); err != nil {
			o.logger.Debugf("failed to close left stream: %s", err)
		}
		if err := right.Close(); err != nil {
			o.logger.Debugf("failed to close right stream: %s", err)
		}
	}

	var l2r, r2l atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		return o.pipe(right, left, LeftToRight, &l2r)
	})
	g.Go(func() error {
		return o.pipe(left, right, RightToLeft, &r2l)
	})

	err := g.Wait()
	closeBoth()

	res := Result{
		LeftToRight: l2r.Load(),
		RightToLeft: r2l.Load(),
	}

	if err != nil && ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, err
}

func (o *options) pipe(dst, src stream.Stream, dir Direction, total *atomic.Int64) error {
	buf := make([]byte, o.bufferSize)
	for {
		nr, rErr := src.Read(buf)
		if nr > 0 {
			nw, wErr := dst.Write(buf[:nr])
			if nw > 0 {
				total.Add(int64(nw))
				if o.recorder != nil {
					o.recorder.RecordTransfer(dir, int64(nw))
				}
			}
			if wErr != nil {
				return fmt.Errorf("write %s: %w", dir, wErr)
			}
			if nw != nr {
				return fmt.Errorf("write %s: %w", dir, io.ErrShortWrite)
			}
		}

		if rErr == nil {
			continue
		}

		if !errors.Is(rErr, io.EOF) {
			return fmt.Errorf("read %s: %w", dir, rErr)
		}

		o.logger.Tracef("%s reached end of stream after %d bytes", dir, total.Load())
		if err := dst.CloseWrite(); err != nil {
			o.logger.Debugf("failed to shut down write side (%s): %s", dir, err)
		}
		return nil
	}
}
