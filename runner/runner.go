// Package runner drives relay pairs between two endpoints in the configured mode.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/netbirdio/splice/metrics"
	"github.com/netbirdio/splice/relay"
	"github.com/netbirdio/splice/stream"
	"github.com/netbirdio/splice/transport"
	semaphoregroup "github.com/netbirdio/splice/util/semaphore-group"
)

const DefaultMaxConcurrent = 128

// Config describes the two endpoints and how pairs between them are run.
type Config struct {
	Left  string
	Right string

	// Concurrent runs pairs as background tasks. Together with Loop new pairs
	// are spawned until the context is done.
	Concurrent bool
	// Loop starts a new pair after the previous one ended.
	Loop bool

	BufferSize int
	// MaxConcurrent bounds the pairs running at once in concurrent loop mode.
	MaxConcurrent int
	// SpawnRate limits new pairs per second in loop modes, 0 means no limit.
	SpawnRate float64

	Metrics *metrics.Relay
}

type Runner struct {
	cfg Config

	left  transport.Connector
	right transport.Connector

	tasks   *semaphoregroup.SemaphoreGroup
	limiter *rate.Limiter
	metrics *metrics.Relay

	completed atomic.Int64
	failed    atomic.Int64
}

// New parses both endpoints. Configuration errors are reported here, before
// anything is connected.
func New(cfg Config) (*Runner, error) {
	left, err := transport.Parse(cfg.Left)
	if err != nil {
		return nil, fmt.Errorf("left endpoint: %w", err)
	}

	right, err := transport.Parse(cfg.Right)
	if err != nil {
		return nil, fmt.Errorf("right endpoint: %w", err)
	}

	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = relay.DefaultBufferSize
	}

	limit := rate.Inf
	if cfg.SpawnRate > 0 {
		limit = rate.Limit(cfg.SpawnRate)
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNoopRelay()
	}

	return &Runner{
		cfg:     cfg,
		left:    left,
		right:   right,
		tasks:   semaphoregroup.NewSemaphoreGroup(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(limit, 1),
		metrics: m,
	}, nil
}

// Run relays according to the configured mode. A single pair returns its
// error, including a cancelled ctx. Loop modes only end when ctx is done and
// then return nil; a failed pair is logged and the next one is started.
func (r *Runner) Run(ctx context.Context) error {
	switch {
	case r.cfg.Concurrent && r.cfg.Loop:
		return r.spawnLoop(ctx)
	case r.cfg.Concurrent:
		left, right := r.left, r.right
		return r.tasks.Go(ctx, func() {
			r.runTask(ctx, left, right)
		})
	case r.cfg.Loop:
		defer r.closeConnectors(r.left, r.right)
		return r.loop(ctx)
	default:
		defer r.closeConnectors(r.left, r.right)
		return r.runPair(ctx, xid.New().String(), r.left, r.right)
	}
}

// Wait blocks until every background pair ended.
func (r *Runner) Wait() {
	r.tasks.Wait()
}

// Completed returns the number of pairs that ended without error.
func (r *Runner) Completed() int64 {
	return r.completed.Load()
}

// Failed returns the number of pairs that ended with an error.
func (r *Runner) Failed() int64 {
	return r.failed.Load()
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}

		r.runLogged(ctx, r.left, r.right)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Runner) spawnLoop(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}

		left, right, err := r.newConnectors()
		if err != nil {
			return err
		}

		err = r.tasks.Go(ctx, func() {
			r.runTask(ctx, left, right)
		})
		if err != nil {
			r.closeConnectors(left, right)
			return nil
		}
	}
}

// runTask runs one background pair on connectors of its own.
func (r *Runner) runTask(ctx context.Context, left, right transport.Connector) {
	defer r.closeConnectors(left, right)
	r.runLogged(ctx, left, right)
}

// runLogged runs one pair whose error stays with the pair: it is logged with
// the pair id and counted, but never ends the caller's loop.
func (r *Runner) runLogged(ctx context.Context, left, right transport.Connector) {
	id := xid.New().String()
	if err := r.runPair(ctx, id, left, right); err != nil && ctx.Err() == nil {
		log.WithField("pair", id).Errorf("relay pair failed: %s", err)
	}
}

// newConnectors builds connectors of their own for a concurrent task.
func (r *Runner) newConnectors() (transport.Connector, transport.Connector, error) {
	left, err := transport.Parse(r.cfg.Left)
	if err != nil {
		return nil, nil, fmt.Errorf("left endpoint: %w", err)
	}

	right, err := transport.Parse(r.cfg.Right)
	if err != nil {
		r.closeConnectors(left)
		return nil, nil, fmt.Errorf("right endpoint: %w", err)
	}
	return left, right, nil
}

func (r *Runner) runPair(ctx context.Context, id string, left, right transport.Connector) (err error) {
	logger := log.WithField("pair", id)
	defer func() {
		if err != nil {
			r.failed.Add(1)
		} else {
			r.completed.Add(1)
		}
	}()

	ls, err := r.connect(ctx, logger, "left", left)
	if err != nil {
		return err
	}

	rs, err := r.connect(ctx, logger, "right", right)
	if err != nil {
		if closeErr := ls.Close(); closeErr != nil {
			logger.Debugf("failed to close left stream: %s", closeErr)
		}
		return err
	}

	logger.Infof("relaying %s <-> %s", left.Kind(), right.Kind())
	r.metrics.PairStarted()
	start := time.Now()

	res, err := relay.Relay(ctx, ls, rs,
		relay.WithBufferSize(r.cfg.BufferSize),
		relay.WithRecorder(r.metrics),
		relay.WithLogger(logger),
	)
	r.metrics.PairFinished(time.Since(start), err)

	logger.Infof("relay ended after %s, %d bytes left to right, %d bytes right to left",
		time.Since(start).Round(time.Millisecond), res.LeftToRight, res.RightToLeft)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func (r *Runner) connect(ctx context.Context, logger *log.Entry, side string, c transport.Connector) (stream.Stream, error) {
	logger.Debugf("connecting %s endpoint (%s)", side, c.Kind())
	s, err := c.Connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.metrics.ConnectFailed(c.Kind().String())
		}
		return nil, fmt.Errorf("connect %s endpoint: %w", side, err)
	}
	return s, nil
}

func (r *Runner) closeConnectors(connectors ...transport.Connector) {
	var merr *multierror.Error
	for _, c := range connectors {
		if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
			merr = multierror.Append(merr, fmt.Errorf("close %s connector: %w", c.Kind(), err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		log.Warnf("failed to release connectors: %s", err)
	}
}
