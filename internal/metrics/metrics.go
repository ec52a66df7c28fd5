// Package metrics centralizes the gauges and histograms the client and
// server engines publish, grounded on the go-metrics-interface usage in
// the rdbox-go-ipfs wantmanager example (wantlistGauge, sentHistogram).
package metrics

import (
	"context"

	metrics "github.com/ipfs/go-metrics-interface"
)

// Buckets mirrors the histogram buckets a typical bitswap deployment
// cares about: small presence replies up through multi-megabyte blocks.
var Buckets = []float64{1 << 10, 1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22}

// Set bundles the gauges/histograms one Bitswap instance publishes.
type Set struct {
	WantlistSize  metrics.Gauge
	SentBytes     metrics.Histogram
	RecvBytes     metrics.Histogram
	DupRecvBytes  metrics.Histogram
	SessionLatency metrics.Histogram
}

// New creates a metrics Set scoped under ctx (go-metrics-interface keys
// each created gauge/histogram by the loggable tags on ctx).
func New(ctx context.Context) *Set {
	return &Set{
		WantlistSize: metrics.NewCtx(ctx, "wantlist_total",
			"Number of items in the local wantlist.").Gauge(),
		SentBytes: metrics.NewCtx(ctx, "sent_all_blocks_bytes",
			"Histogram of blocks sent by this bitswap instance.").Histogram(Buckets),
		RecvBytes: metrics.NewCtx(ctx, "recv_all_blocks_bytes",
			"Histogram of blocks received by this bitswap instance.").Histogram(Buckets),
		DupRecvBytes: metrics.NewCtx(ctx, "recv_dup_blocks_bytes",
			"Histogram of duplicate blocks received.").Histogram(Buckets),
		SessionLatency: metrics.NewCtx(ctx, "session_latency_ns",
			"Histogram of time-to-first-byte per session request.").Histogram(Buckets),
	}
}
