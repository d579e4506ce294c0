package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// GossipDirection distinguishes a bandwidth throttle's inbound and outbound
// token buckets, each configured and drained independently (§4.8).
type GossipDirection int

const (
	DirectionInbound GossipDirection = iota
	DirectionOutbound
)

// BandwidthThrottle is a pair of token-bucket limiters, one per direction,
// configured in megabits/sec with burst sized to 2x the max gossip message
// size (§4.8). Token consumption backpressures op transfer between
// batches; single requests that exceed the bucket's own burst capacity are
// logged and let through rather than blocked forever.
type BandwidthThrottle struct {
	inbound  *rate.Limiter
	outbound *rate.Limiter
}

// NewBandwidthThrottle constructs a throttle from megabits/sec budgets and
// the configured max gossip message size (bytes), which sets burst = 2x.
func NewBandwidthThrottle(inboundMbps, outboundMbps float64, maxMessageBytes int) *BandwidthThrottle {
	burst := maxMessageBytes * 2
	return &BandwidthThrottle{
		inbound:  rate.NewLimiter(mbpsToBytesPerSec(inboundMbps), burst),
		outbound: rate.NewLimiter(mbpsToBytesPerSec(outboundMbps), burst),
	}
}

func mbpsToBytesPerSec(mbps float64) rate.Limit {
	return rate.Limit(mbps * 1_000_000 / 8)
}

// limiterFor returns the token bucket for dir.
func (b *BandwidthThrottle) limiterFor(dir GossipDirection) *rate.Limiter {
	if dir == DirectionInbound {
		return b.inbound
	}
	return b.outbound
}

// Await blocks until n bytes' worth of tokens are available on dir's
// bucket, or ctx is done. A request exceeding the bucket's own burst
// capacity can never succeed outright; it is logged once and let through
// immediately rather than awaiting forever (§4.8: "tokens exceeding
// per-message capacity raise a log-only error; message still sent").
func (b *BandwidthThrottle) Await(ctx context.Context, dir GossipDirection, n int) error {
	lim := b.limiterFor(dir)
	if n > lim.Burst() {
		logrus.WithFields(logrus.Fields{
			"direction": dir,
			"bytes":     n,
			"burst":     lim.Burst(),
		}).Warn("gossip message exceeds bandwidth burst capacity, sending unthrottled")
		return nil
	}
	return lim.WaitN(ctx, n)
}

// Reserve takes n bytes of tokens on dir from the bucket without blocking
// and reports how long the caller would need to wait before they are
// available; the reservation is never cancelled, so the tokens count as
// consumed either way.
func (b *BandwidthThrottle) Reserve(dir GossipDirection, n int) (wait time.Duration, ok bool) {
	lim := b.limiterFor(dir)
	now := time.Now()
	r := lim.ReserveN(now, n)
	if !r.OK() {
		return 0, false
	}
	return r.DelayFrom(now), true
}

func (d GossipDirection) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}
