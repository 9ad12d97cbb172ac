// Package fsutil provides bounded polling helpers for files produced by
// external processes. The transcoder gives no readiness signal, so callers
// poll for its outputs with a deadline instead of watching the directory.
package fsutil

import (
	"context"
	"fmt"
	"os"
	"time"
)

// WaitForFile polls until path exists with non-zero size, the timeout
// elapses, or ctx is cancelled.
func WaitForFile(ctx context.Context, path string, timeout, interval time.Duration) error {
	return WaitForSize(ctx, path, 1, timeout, interval)
}

// WaitForSize polls until path exists with at least minSize bytes.
func WaitForSize(ctx context.Context, path string, minSize int64, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		if info, err := os.Stat(path); err == nil && info.Size() >= minSize {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
