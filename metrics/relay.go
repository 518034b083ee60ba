package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/netbirdio/splice/relay"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// Relay records the activity of relay pairs. It implements relay.Recorder.
type Relay struct {
	transferBytes   metric.Int64Counter
	pairs           metric.Int64UpDownCounter
	pairsTotal      metric.Int64Counter
	connectFailures metric.Int64Counter
	pairDuration    metric.Float64Histogram
}

func NewRelay(meter metric.Meter) (*Relay, error) {
	transferBytes, err := meter.Int64Counter("splice_transfer_bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes written to the destination stream"))
	if err != nil {
		return nil, err
	}

	pairs, err := meter.Int64UpDownCounter("splice_pairs",
		metric.WithDescription("Relay pairs currently running"))
	if err != nil {
		return nil, err
	}

	pairsTotal, err := meter.Int64Counter("splice_pairs_total",
		metric.WithDescription("Finished relay pairs by result"))
	if err != nil {
		return nil, err
	}

	connectFailures, err := meter.Int64Counter("splice_connect_failures_total",
		metric.WithDescription("Failed endpoint connects by transport kind"))
	if err != nil {
		return nil, err
	}

	pairDuration, err := meter.Float64Histogram("splice_pair_duration_seconds",
		metric.WithUnit("s"),
		metric.WithDescription("Lifetime of relay pairs"))
	if err != nil {
		return nil, err
	}

	return &Relay{
		transferBytes:   transferBytes,
		pairs:           pairs,
		pairsTotal:      pairsTotal,
		connectFailures: connectFailures,
		pairDuration:    pairDuration,
	}, nil
}

// NewNoopRelay returns a Relay whose instruments discard everything.
func NewNoopRelay() *Relay {
	r, _ := NewRelay(noop.NewMeterProvider().Meter(""))
	return r
}

func (r *Relay) RecordTransfer(dir relay.Direction, n int64) {
	r.transferBytes.Add(context.Background(), n, metric.WithAttributes(attribute.String("direction", string(dir))))
}

// PairStarted counts a pair whose endpoints are both connected.
func (r *Relay) PairStarted() {
	r.pairs.Add(context.Background(), 1)
}

// PairFinished must follow every PairStarted.
func (r *Relay) PairFinished(duration time.Duration, err error) {
	ctx := context.Background()
	r.pairs.Add(ctx, -1)

	result := resultOK
	if err != nil {
		result = resultError
	}
	r.pairsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	r.pairDuration.Record(ctx, duration.Seconds())
}

// ConnectFailed counts a failed connect of an endpoint of the given transport kind.
func (r *Relay) ConnectFailed(kind string) {
	r.connectFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}
