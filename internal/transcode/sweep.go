package transcode

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RunSweeper deletes cache directories older than the retention age until
// ctx is cancelled. This is the only retention policy. settings is re-read
// on every pass so reloaded values apply without a restart.
func (e *Engine) RunSweeper(ctx context.Context, settings func() (interval, maxAge time.Duration)) {
	for {
		interval, _ := settings()
		if interval <= 0 {
			interval = time.Hour
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_, maxAge := settings()
		e.sweep(maxAge)
	}
}

func (e *Engine) sweep(maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	entries, err := os.ReadDir(e.opts.CacheDir)
	if err != nil {
		e.log.Error().Err(err).Msg("scan cache root")
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if episodeID, err := strconv.ParseInt(entry.Name(), 10, 64); err == nil {
			if err := e.DeleteTranscode(episodeID, "retention"); err != nil {
				e.log.Error().Err(err).Int64("episode_id", episodeID).Msg("retention delete")
			}
			continue
		}
		// Stray non-numeric directory; remove it directly.
		_ = os.RemoveAll(filepath.Join(e.opts.CacheDir, entry.Name()))
	}
}
