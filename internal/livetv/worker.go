// Package livetv binds live viewers to appliance tuners and keeps one
// transcoder process per active tuner feeding a sliding HLS window.
package livetv

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/fsutil"
	"github.com/hdhub/hdhub/internal/log"
	"github.com/hdhub/hdhub/internal/procgroup"
	"github.com/hdhub/hdhub/internal/ring"
)

// LivePlaylistName is the playlist file inside every tuner directory.
const LivePlaylistName = "playlist.m3u8"

const (
	liveStopGrace    = 5 * time.Second
	firstSegmentSize = 10 * 1024
)

var liveServable = regexp.MustCompile(`^(playlist\.m3u8|segment-\d+\.ts)$`)

// WorkerOptions configures the live stream worker.
type WorkerOptions struct {
	CacheDir        string
	FFmpegPath      string
	SegmentDuration int
	BufferMinutes   int
	StartTimeout    time.Duration
}

type liveStream struct {
	tunerID   string
	channel   string
	sourceURL string
	dir       string
	cmd       *exec.Cmd
	done      chan error
	errs      *ring.Buffer
	stopPrune context.CancelFunc
}

// Worker owns the per-tuner transcoder processes.
type Worker struct {
	opts WorkerOptions
	log  zerolog.Logger

	mu      sync.Mutex
	streams map[string]*liveStream
}

// NewWorker creates the worker and ensures the live cache root exists.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = 6
	}
	if opts.BufferMinutes <= 0 {
		opts.BufferMinutes = 60
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 15 * time.Second
	}
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, err
	}
	// Directories left behind by a previous run hold dead streams.
	entries, err := os.ReadDir(opts.CacheDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = os.RemoveAll(filepath.Join(opts.CacheDir, entry.Name()))
		}
	}
	return &Worker{
		opts:    opts,
		log:     log.WithComponent("livetv"),
		streams: make(map[string]*liveStream),
	}, nil
}

func (w *Worker) dir(tunerID string) string {
	return filepath.Join(w.opts.CacheDir, tunerID)
}

// liveArgs builds the live transcoder argument vector. Compared to the
// recorded pipeline the input side tolerates corrupt frames and buffers a
// longer analysis window, and the playlist never gains a terminator.
func (w *Worker) liveArgs(sourceURL, outputDir string) []string {
	return []string{
		"-fflags", "+discardcorrupt+genpts",
		"-err_detect", "ignore_err",
		"-analyzeduration", "3000000",
		"-probesize", "10000000",
		"-avoid_negative_ts", "make_zero",
		"-i", sourceURL,
		"-c:v", "h264",
		"-preset", "veryfast",
		"-crf", "23",
		"-maxrate", "5000k",
		"-bufsize", "10000k",
		"-g", "48",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(w.opts.SegmentDuration),
		"-hls_list_size", "0",
		"-hls_flags", "append_list+omit_endlist+independent_segments",
		"-hls_segment_type", "mpegts",
		"-start_number", "0",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-hls_segment_filename", filepath.Join(outputDir, "segment-%d.ts"),
		filepath.Join(outputDir, LivePlaylistName),
	}
}

// Start spawns the transcoder for one tuner-to-channel binding and waits
// for the playlist to become non-empty. Returns the child's pid.
func (w *Worker) Start(tunerID, sourceURL, channel string) (int, error) {
	w.mu.Lock()
	if _, exists := w.streams[tunerID]; exists {
		w.mu.Unlock()
		return 0, apperr.E(apperr.Conflict, "tuner %s already has a stream", tunerID)
	}
	// Reserve the slot before the slow spawn.
	st := &liveStream{
		tunerID:   tunerID,
		channel:   channel,
		sourceURL: sourceURL,
		dir:       w.dir(tunerID),
		errs:      ring.New(20),
	}
	w.streams[tunerID] = st
	w.mu.Unlock()

	pid, err := w.launch(st)
	if err != nil {
		w.mu.Lock()
		delete(w.streams, tunerID)
		w.mu.Unlock()
		_ = os.RemoveAll(st.dir)
		return 0, err
	}
	return pid, nil
}

func (w *Worker) launch(st *liveStream) (int, error) {
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return 0, err
	}

	cmd := exec.Command(w.opts.FFmpegPath, w.liveArgs(st.sourceURL, st.dir)...)
	procgroup.Set(cmd)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, apperr.Wrap(apperr.TranscoderFailed, err, "spawn live transcoder")
	}
	st.cmd = cmd
	st.done = make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(strings.ToLower(line), "error") {
				st.errs.Append(line)
			}
		}
	}()
	go func() {
		err := cmd.Wait()
		if err != nil {
			w.log.Warn().Err(err).Str("tuner_id", st.tunerID).
				Strs("errors", st.errs.Lines()).Msg("live transcoder exited")
		}
		st.done <- err
		close(st.done)
	}()

	pruneCtx, cancel := context.WithCancel(context.Background())
	st.stopPrune = cancel
	go w.pruneLoop(pruneCtx, st.dir)

	playlist := filepath.Join(st.dir, LivePlaylistName)
	if err := fsutil.WaitForFile(context.Background(), playlist, w.opts.StartTimeout, 250*time.Millisecond); err != nil {
		w.teardown(st)
		return 0, apperr.E(apperr.TranscodeStartupTimeout,
			"live playlist for tuner %s not ready after %s", st.tunerID, w.opts.StartTimeout)
	}

	w.log.Info().Str("tuner_id", st.tunerID).Str("channel", st.channel).
		Int("pid", cmd.Process.Pid).Msg("live stream started")
	return cmd.Process.Pid, nil
}

// Stop terminates a tuner's stream and deletes its directory.
func (w *Worker) Stop(tunerID string) error {
	w.mu.Lock()
	st, ok := w.streams[tunerID]
	if ok {
		delete(w.streams, tunerID)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}
	w.teardown(st)
	w.log.Info().Str("tuner_id", tunerID).Msg("live stream stopped")
	return nil
}

func (w *Worker) teardown(st *liveStream) {
	if st.stopPrune != nil {
		st.stopPrune()
	}
	_ = procgroup.Terminate(st.cmd, st.done, liveStopGrace)
	if err := os.RemoveAll(st.dir); err != nil {
		w.log.Error().Err(err).Str("dir", st.dir).Msg("remove live dir")
	}
}

// WaitForFirstSegment polls the stream's first segment until it passes a
// sanity size or the timeout elapses.
func (w *Worker) WaitForFirstSegment(ctx context.Context, tunerID string, timeout time.Duration) error {
	seg := filepath.Join(w.dir(tunerID), "segment-0.ts")
	if err := fsutil.WaitForSize(ctx, seg, firstSegmentSize, timeout, 250*time.Millisecond); err != nil {
		return apperr.Wrap(apperr.TranscodeStartupTimeout, err, "first live segment")
	}
	return nil
}

// FilePath resolves a servable live file for a tuner.
func (w *Worker) FilePath(ctx context.Context, tunerID, filename string) (string, error) {
	if !liveServable.MatchString(filename) {
		return "", apperr.E(apperr.InvalidArgument, "illegal live file name %q", filename)
	}

	w.mu.Lock()
	_, ok := w.streams[tunerID]
	w.mu.Unlock()
	if !ok {
		return "", apperr.E(apperr.NotFound, "no live stream on tuner %s", tunerID)
	}

	path := filepath.Join(w.dir(tunerID), filename)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := fsutil.WaitForFile(ctx, path, 5*time.Second, 500*time.Millisecond); err != nil {
		return "", apperr.E(apperr.NotFound, "%s for tuner %s not available", filename, tunerID)
	}
	return path, nil
}

// Errors returns the stream's captured error lines, oldest first.
func (w *Worker) Errors(tunerID string) []string {
	w.mu.Lock()
	st, ok := w.streams[tunerID]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return st.errs.Lines()
}

// Running reports whether a stream exists for the tuner and its channel.
func (w *Worker) Running(tunerID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.streams[tunerID]
	if !ok {
		return "", false
	}
	return st.channel, true
}

// Shutdown stops every stream.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	streams := make([]*liveStream, 0, len(w.streams))
	for _, st := range w.streams {
		streams = append(streams, st)
	}
	w.streams = make(map[string]*liveStream)
	w.mu.Unlock()

	for _, st := range streams {
		w.teardown(st)
	}
}

// pruneLoop keeps the on-disk window bounded: segments older than the
// configured buffer are deleted once a minute.
func (w *Worker) pruneLoop(ctx context.Context, dir string) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	maxAge := time.Duration(w.opts.BufferMinutes) * time.Minute
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-maxAge)
			matches, err := filepath.Glob(filepath.Join(dir, "segment-*.ts"))
			if err != nil {
				continue
			}
			for _, path := range matches {
				if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
					_ = os.Remove(path)
				}
			}
		}
	}
}
