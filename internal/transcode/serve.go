package transcode

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/fsutil"
)

// Only the playlist and the 4-digit segment names are servable.
var servableName = regexp.MustCompile(`^(stream\.m3u8|segment\d{4}\.ts)$`)

// ContentTypeFor returns the HLS content type of a cache file name.
func ContentTypeFor(filename string) string {
	if filepath.Ext(filename) == ".m3u8" {
		return "application/vnd.apple.mpegurl"
	}
	return "video/mp2t"
}

// FilePath resolves a servable cache file, waiting briefly for segments
// that an active transcode has not written yet.
func (e *Engine) FilePath(ctx context.Context, episodeID int64, filename string) (string, error) {
	if !servableName.MatchString(filename) {
		return "", apperr.E(apperr.InvalidArgument, "illegal cache file name %q", filename)
	}

	e.mu.Lock()
	j, ok := e.jobs[episodeID]
	var state State
	if ok {
		state = j.state
	}
	e.mu.Unlock()
	if !ok {
		return "", apperr.E(apperr.NotFound, "no transcode for episode %d", episodeID)
	}

	path := filepath.Join(e.dir(episodeID), filename)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if state == StateTranscoding {
		if err := fsutil.WaitForFile(ctx, path, e.opts.SegmentWaitTimeout, 500*time.Millisecond); err == nil {
			return path, nil
		}
	}
	return "", apperr.E(apperr.NotFound, "%s for episode %d not available (state %s)", filename, episodeID, state)
}
