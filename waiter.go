package spacekeeper

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Default settings for waiting on another primary.
const (
	DefaultWaitForPrimaryTimeout = 5 * time.Minute
	DefaultWaitForPrimaryPoll    = 1 * time.Second
)

// WaitForAnotherPrimary polls finder until it reports a primary or until
// timeout elapses. Returns ErrWaitTimeout if no primary appeared within the
// bound or the context error if ctx is canceled first.
//
// Errors other than ErrNoPrimary returned by finder are logged and polling
// continues; discovery can be flaky while the cluster is starting up.
func WaitForAnotherPrimary(ctx context.Context, finder PrimaryFinder, timeout, interval time.Duration) (PrimaryInfo, error) {
	if interval <= 0 {
		interval = DefaultWaitForPrimaryPoll
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := finder.PrimaryInfo(waitCtx)
		if err == nil {
			return info, nil
		} else if !errors.Is(err, ErrNoPrimary) && waitCtx.Err() == nil {
			slog.Warn("cannot query for primary, retrying", slog.Any("err", err))
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return PrimaryInfo{}, err
			}
			return PrimaryInfo{}, ErrWaitTimeout
		case <-ticker.C:
		}
	}
}
