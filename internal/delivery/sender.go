package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shohag/notifyrelay/internal/models"
)

// ErrTransientDelivery marks a send that failed and should go through the
// retry path.
var ErrTransientDelivery = errors.New("transient delivery error")

type SendResult struct {
	LatencyMs int64
	Error     string
}

func (r *SendResult) OK() bool { return r.Error == "" }

// Sender performs one delivery attempt on a channel.
type Sender interface {
	Send(ctx context.Context, channel models.Channel, content models.Content) *SendResult
}

// SimulatedSender stands in for real channel transports: each send waits a
// random latency in [min, max] and succeeds with probability successRate.
type SimulatedSender struct {
	successRate float64
	minLatency  time.Duration
	maxLatency  time.Duration
	rand        func() float64
}

func NewSimulatedSender(successRate float64, minLatency, maxLatency time.Duration) *SimulatedSender {
	return &SimulatedSender{
		successRate: successRate,
		minLatency:  minLatency,
		maxLatency:  maxLatency,
		rand:        rand.Float64,
	}
}

func (s *SimulatedSender) Send(ctx context.Context, channel models.Channel, _ models.Content) *SendResult {
	start := time.Now()
	ok := s.rand() < s.successRate

	latency := s.minLatency
	if spread := s.maxLatency - s.minLatency; spread > 0 {
		latency += time.Duration(s.rand() * float64(spread))
	}

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return &SendResult{
				Error:     fmt.Sprintf("send cancelled: %v", ctx.Err()),
				LatencyMs: time.Since(start).Milliseconds(),
			}
		case <-timer.C:
		}
	}

	if !ok {
		return &SendResult{
			Error:     fmt.Sprintf("Failed to deliver %s message", channel),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return &SendResult{LatencyMs: time.Since(start).Milliseconds()}
}
