package transcode

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/hdhub/hdhub/internal/ring"
)

// recover scans the cache root on startup. Directories abandoned
// mid-transcode are deleted; completed ones are loaded into the jobs
// table so they are served without re-transcoding.
func (e *Engine) recover() error {
	if err := os.MkdirAll(e.opts.CacheDir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(e.opts.CacheDir)
	if err != nil {
		return err
	}

	var loaded, reclaimed int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		episodeID, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		dir := filepath.Join(e.opts.CacheDir, entry.Name())

		sc, err := readSidecar(dir)
		if err != nil {
			continue
		}
		switch sc.State {
		case StateTranscoding:
			// No process survived the restart; the directory is garbage.
			if err := os.RemoveAll(dir); err != nil {
				e.log.Error().Err(err).Str("dir", dir).Msg("reclaim abandoned transcode")
				continue
			}
			reclaimed++
		case StateComplete:
			if _, err := os.Stat(filepath.Join(dir, PlaylistName)); err != nil {
				continue
			}
			e.jobs[episodeID] = &job{
				episodeID:   episodeID,
				state:       StateComplete,
				startTime:   sc.StartTime,
				endTime:     sc.EndTime,
				outputDir:   dir,
				upstreamURL: sc.SourceURL,
				meta: Metadata{
					ShowName:    sc.ShowName,
					EpisodeName: sc.EpisodeName,
					AirDate:     sc.AirDate,
				},
				stderr: ring.New(20),
			}
			loaded++
		}
	}

	if loaded > 0 || reclaimed > 0 {
		e.log.Info().Int("loaded", loaded).Int("reclaimed", reclaimed).Msg("cache recovery done")
	}
	return nil
}
