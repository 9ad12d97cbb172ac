// Package transcode materializes recorded episodes into on-disk HLS
// directories. The engine guarantees at most one transcoder process per
// episode, bounds global concurrency with oldest-first eviction, and keeps
// a durable sidecar per directory for crash recovery.
package transcode

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/fsutil"
	"github.com/hdhub/hdhub/internal/log"
	"github.com/hdhub/hdhub/internal/metrics"
	"github.com/hdhub/hdhub/internal/procgroup"
	"github.com/hdhub/hdhub/internal/ring"
)

// PlaylistName is the HLS media playlist inside every cache directory.
const PlaylistName = "stream.m3u8"

const stopGrace = 5 * time.Second

// State is the lifecycle phase of a transcode job.
type State string

const (
	StatePending     State = "pending"
	StateTranscoding State = "transcoding"
	StateComplete    State = "complete"
	StateError       State = "error"
)

// Mode distinguishes viewer-driven starts from bulk backfill.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeBulk        Mode = "bulk"
)

// Metadata is carried into the sidecar for human inspection of the cache.
type Metadata struct {
	ShowName    string
	EpisodeName string
	AirDate     string
	Duration    int64 // seconds, for progress estimation
}

// Options configures the engine.
type Options struct {
	CacheDir           string
	FFmpegPath         string
	SegmentDuration    int
	MaxConcurrent      int
	PlaylistTimeout    time.Duration
	SegmentWaitTimeout time.Duration
}

type job struct {
	episodeID   int64
	state       State
	startTime   time.Time
	endTime     time.Time
	outputDir   string
	upstreamURL string
	meta        Metadata
	errMsg      string
	mode        Mode

	cmd     *exec.Cmd
	done    chan error
	stderr  *ring.Buffer
	evicted bool
}

// Engine owns the jobs table and the cache directory tree.
type Engine struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	jobs   map[int64]*job
	active []int64 // Transcoding episode ids, oldest first
	closed bool

	backfill *backfillRun

	wg sync.WaitGroup
}

// New creates the engine and runs startup recovery on the cache root.
func New(opts Options) (*Engine, error) {
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = 4
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.PlaylistTimeout <= 0 {
		opts.PlaylistTimeout = 15 * time.Second
	}
	if opts.SegmentWaitTimeout <= 0 {
		opts.SegmentWaitTimeout = 5 * time.Second
	}

	e := &Engine{
		opts: opts,
		log:  log.WithComponent("transcode"),
		jobs: make(map[int64]*job),
	}
	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) dir(episodeID int64) string {
	return filepath.Join(e.opts.CacheDir, strconv.FormatInt(episodeID, 10))
}

// StartTranscode is the idempotent entry point. A Complete or Transcoding
// job returns its output directory without side effects. Otherwise a slot
// is claimed, evicting the oldest active job in interactive mode or
// deferring with Busy in bulk mode, and a transcoder child is spawned.
func (e *Engine) StartTranscode(ctx context.Context, episodeID int64, upstreamURL string, mode Mode, meta Metadata) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", apperr.E(apperr.Internal, "engine is shut down")
	}

	if j, ok := e.jobs[episodeID]; ok {
		switch j.state {
		case StateComplete, StateTranscoding:
			dir := j.outputDir
			e.mu.Unlock()
			metrics.TranscodeStartTotal.WithLabelValues(string(mode), "reused").Inc()
			return dir, nil
		}
		// Error entries are re-queued below.
	}

	outputDir := e.dir(episodeID)
	if len(e.active) >= e.opts.MaxConcurrent {
		if mode == ModeBulk {
			e.mu.Unlock()
			metrics.TranscodeStartTotal.WithLabelValues(string(mode), "deferred").Inc()
			return outputDir, apperr.E(apperr.Busy, "all %d transcode slots busy", e.opts.MaxConcurrent)
		}
		e.evictLocked(e.active[0], "capacity")
	}

	j := &job{
		episodeID:   episodeID,
		state:       StateTranscoding,
		startTime:   time.Now(),
		outputDir:   outputDir,
		upstreamURL: upstreamURL,
		meta:        meta,
		mode:        mode,
		stderr:      ring.New(20),
	}
	e.jobs[episodeID] = j
	e.active = append(e.active, episodeID)
	e.mu.Unlock()

	if err := e.launch(j); err != nil {
		e.failJob(j, err.Error())
		metrics.TranscodeStartTotal.WithLabelValues(string(mode), "spawn_error").Inc()
		return "", apperr.Wrap(apperr.TranscoderFailed, err, "spawn transcoder")
	}
	metrics.ActiveTranscodes.Inc()
	metrics.TranscodeStartTotal.WithLabelValues(string(mode), "started").Inc()

	playlist := filepath.Join(outputDir, PlaylistName)
	if err := fsutil.WaitForFile(ctx, playlist, e.opts.PlaylistTimeout, 250*time.Millisecond); err != nil {
		// The job stays Transcoding; the child may still come up late or
		// exit on its own and settle the state.
		return "", apperr.E(apperr.TranscodeStartupTimeout,
			"playlist for episode %d not ready after %s", episodeID, e.opts.PlaylistTimeout)
	}
	return outputDir, nil
}

func (e *Engine) launch(j *job) error {
	if err := os.MkdirAll(j.outputDir, 0o755); err != nil {
		return err
	}
	if err := writeSidecar(j.outputDir, Sidecar{
		State:       StateTranscoding,
		StartTime:   j.startTime,
		SourceURL:   j.upstreamURL,
		ShowName:    j.meta.ShowName,
		EpisodeName: j.meta.EpisodeName,
		AirDate:     j.meta.AirDate,
	}); err != nil {
		return err
	}

	cmd := exec.Command(e.opts.FFmpegPath, recordedArgs(j.upstreamURL, e.opts.SegmentDuration, j.outputDir)...)
	procgroup.Set(cmd)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	j.cmd = cmd
	j.done = make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			j.stderr.Append(scanner.Text())
		}
	}()

	e.wg.Add(1)
	go e.reap(j)

	e.log.Info().Int64("episode_id", j.episodeID).Str("mode", string(j.mode)).
		Int("pid", cmd.Process.Pid).Msg("transcoder started")
	return nil
}

// reap waits for the child and settles the job state.
func (e *Engine) reap(j *job) {
	defer e.wg.Done()
	err := j.cmd.Wait()
	metrics.ActiveTranscodes.Dec()

	e.mu.Lock()
	if j.evicted || e.jobs[j.episodeID] != j {
		e.mu.Unlock()
		j.done <- err
		close(j.done)
		return
	}
	e.removeActiveLocked(j.episodeID)
	j.endTime = time.Now()
	if err != nil {
		j.state = StateError
		j.errMsg = err.Error()
	} else {
		j.state = StateComplete
	}
	bulk := j.mode == ModeBulk
	run := e.backfill
	closed := e.closed
	e.mu.Unlock()

	if closed {
		// Shutdown kill; sidecars are left as they were and recovery
		// reclaims the directory on next start.
		if bulk && run != nil {
			run.observe(j.state == StateComplete)
		}
		j.done <- err
		close(j.done)
		return
	}

	sc := Sidecar{
		State:       j.state,
		StartTime:   j.startTime,
		EndTime:     j.endTime,
		SourceURL:   j.upstreamURL,
		ShowName:    j.meta.ShowName,
		EpisodeName: j.meta.EpisodeName,
		AirDate:     j.meta.AirDate,
		Error:       j.errMsg,
	}
	if j.state == StateError {
		sc.StderrTail = j.stderr.Lines()
	}
	if werr := writeSidecar(j.outputDir, sc); werr != nil {
		e.log.Error().Err(werr).Int64("episode_id", j.episodeID).Msg("write sidecar")
	}

	if bulk && run != nil {
		run.observe(j.state == StateComplete)
	}
	if err != nil {
		e.log.Warn().Err(err).Int64("episode_id", j.episodeID).
			Strs("stderr_tail", j.stderr.Lines()).Msg("transcoder exited with error")
	} else {
		e.log.Info().Int64("episode_id", j.episodeID).
			Dur("elapsed", j.endTime.Sub(j.startTime)).Msg("transcode complete")
	}

	j.done <- err
	close(j.done)
}

// failJob settles a job whose child never started.
func (e *Engine) failJob(j *job, msg string) {
	e.mu.Lock()
	e.removeActiveLocked(j.episodeID)
	j.state = StateError
	j.endTime = time.Now()
	j.errMsg = msg
	e.mu.Unlock()

	_ = writeSidecar(j.outputDir, Sidecar{
		State:     StateError,
		StartTime: j.startTime,
		EndTime:   j.endTime,
		SourceURL: j.upstreamURL,
		Error:     msg,
	})
}

// evictLocked removes a job from the table and tears its process and
// directory down asynchronously. Caller holds e.mu.
func (e *Engine) evictLocked(episodeID int64, cause string) {
	j, ok := e.jobs[episodeID]
	if !ok {
		return
	}
	j.evicted = true
	delete(e.jobs, episodeID)
	e.removeActiveLocked(episodeID)
	bulkVictim := j.mode == ModeBulk && j.state == StateTranscoding
	run := e.backfill

	metrics.TranscodeEvictTotal.WithLabelValues(cause).Inc()
	e.log.Info().Int64("episode_id", episodeID).Str("cause", cause).Msg("evicting transcode")

	go func() {
		if j.cmd != nil {
			_ = procgroup.Terminate(j.cmd, j.done, stopGrace)
		}
		if err := os.RemoveAll(j.outputDir); err != nil {
			e.log.Error().Err(err).Str("dir", j.outputDir).Msg("remove cache dir")
		}
		if bulkVictim && run != nil {
			run.observe(false)
		}
	}()
}

func (e *Engine) removeActiveLocked(episodeID int64) {
	e.active = slices.DeleteFunc(e.active, func(id int64) bool { return id == episodeID })
}

// DeleteTranscode removes an episode's cache entry, terminating a running
// child first. Also the retention path.
func (e *Engine) DeleteTranscode(episodeID int64, cause string) error {
	e.mu.Lock()
	if _, ok := e.jobs[episodeID]; ok {
		e.evictLocked(episodeID, cause)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	// No live entry; remove whatever is on disk.
	dir := e.dir(episodeID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return apperr.E(apperr.NotFound, "no transcode for episode %d", episodeID)
	}
	metrics.TranscodeEvictTotal.WithLabelValues(cause).Inc()
	return os.RemoveAll(dir)
}

// JobStatus is the externally visible state of one job.
type JobStatus struct {
	EpisodeID int64     `json:"episode_id"`
	State     State     `json:"state"`
	Progress  float64   `json:"progress"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Status reports one job.
func (e *Engine) Status(episodeID int64) (JobStatus, error) {
	e.mu.Lock()
	j, ok := e.jobs[episodeID]
	if !ok {
		e.mu.Unlock()
		return JobStatus{}, apperr.E(apperr.NotFound, "no transcode for episode %d", episodeID)
	}
	st := e.statusLocked(j)
	e.mu.Unlock()
	return st, nil
}

// Jobs lists every known job sorted by episode id.
func (e *Engine) Jobs() []JobStatus {
	e.mu.Lock()
	out := make([]JobStatus, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, e.statusLocked(j))
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b JobStatus) int {
		return int(a.EpisodeID - b.EpisodeID)
	})
	return out
}

func (e *Engine) statusLocked(j *job) JobStatus {
	st := JobStatus{
		EpisodeID: j.episodeID,
		State:     j.state,
		StartTime: j.startTime,
		EndTime:   j.endTime,
		Error:     j.errMsg,
	}
	switch j.state {
	case StateComplete:
		st.Progress = 100
	case StateTranscoding:
		if j.meta.Duration > 0 {
			produced := int64(e.countSegments(j.outputDir)) * int64(e.opts.SegmentDuration)
			st.Progress = min(99, float64(produced)/float64(j.meta.Duration)*100)
		}
	}
	return st
}

func (e *Engine) countSegments(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "segment*.ts"))
	if err != nil {
		return 0
	}
	return len(matches)
}

// Shutdown terminates every active child. Sidecars stay as they are; the
// Transcoding ones are reclaimed by recovery on next start.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	var running []*job
	for _, j := range e.jobs {
		if j.state == StateTranscoding && j.cmd != nil {
			running = append(running, j)
		}
	}
	e.mu.Unlock()

	for _, j := range running {
		_ = procgroup.Kill(j.cmd, syscall.SIGTERM)
	}
	e.wg.Wait()
	e.log.Info().Int("terminated", len(running)).Msg("transcode engine stopped")
}
