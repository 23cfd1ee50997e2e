package main

import (
	"context"
	"errors"
	"time"

	"github.com/vitos/options_breakout/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

// streamSession is the part of the streamer the reconnect loop drives.
type streamSession interface {
	Connect(ctx context.Context) error
	Done() <-chan struct{}
}

// superviseStream keeps a streaming session alive until ctx is done or the
// streamer is closed. Failed connects back off exponentially between
// minBackoff and maxBackoff; a successful connect resets the backoff.
func superviseStream(ctx context.Context, s streamSession, minBackoff, maxBackoff time.Duration, log *zap.Logger) {
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		err := s.Connect(ctx)
		switch {
		case errors.Is(err, exchange.ErrStreamerClosed):
			return
		case err == nil:
			backoff = minBackoff
			select {
			case <-s.Done():
				log.Warn("Stream session ended, reconnecting", zap.Duration("backoff", backoff))
			case <-ctx.Done():
				return
			}
		default:
			log.Warn("Stream connect failed", zap.Duration("backoff", backoff), zap.Error(err))
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if err != nil {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
