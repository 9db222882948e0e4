package downloader

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is the slice WaitPolling waits between checks.
const DefaultPollInterval = 500 * time.Millisecond

// WaitPolling waits for s from a goroutine other than the reactor. It wakes up
// every interval to trace progress, and returns early when ctx is cancelled
// (for example when rendering stops) without waiting for the full timeout.
// When ctx is cancelled the session is aborted; when timeout elapses with work
// outstanding it is timed out. Either way the bodies collected so far are
// returned.
func (d *Downloader) WaitPolling(ctx context.Context, s *Session, interval, timeout time.Duration) map[string][]byte {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		deadline = tm.C
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.Done():
			return s.Files()
		case <-ctx.Done():
			d.log.Debug("wait cancelled", zap.String("session", s.id))
			d.abortSession(s, ErrAborted)
			<-s.Done()
			return s.Files()
		case <-deadline:
			d.log.Debug("wait timed out", zap.String("session", s.id), zap.Int("unfinished", d.UnfinishedCount()))
			d.abortSession(s, ErrTimeout)
			<-s.Done()
			return s.Files()
		case <-t.C:
			d.log.Debug("waiting", zap.String("session", s.id), zap.Int("unfinished", d.UnfinishedCount()))
		}
	}
}
