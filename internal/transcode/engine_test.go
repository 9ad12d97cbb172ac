package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdhub/hdhub/internal/apperr"
)

// The stubs stand in for the transcoder binary. Each one locates the
// output directory from the trailing playlist argument.
const stubComplete = `#!/bin/sh
for a in "$@"; do last="$a"; done
dir=$(dirname "$last")
head -c 2048 /dev/zero > "$dir/segment0000.ts"
printf '#EXTM3U\n#EXT-X-ENDLIST\n' > "$last"
exit 0
`

const stubRunning = `#!/bin/sh
for a in "$@"; do last="$a"; done
dir=$(dirname "$last")
head -c 2048 /dev/zero > "$dir/segment0000.ts"
printf '#EXTM3U\n' > "$last"
sleep 60
`

const stubFail = `#!/bin/sh
echo "error: boom" >&2
exit 1
`

const stubSilent = `#!/bin/sh
sleep 60
`

func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestEngine(t *testing.T, stub string, opts Options) *Engine {
	t.Helper()
	opts.CacheDir = t.TempDir()
	opts.FFmpegPath = writeStub(t, stub)
	if opts.PlaylistTimeout == 0 {
		opts.PlaylistTimeout = 5 * time.Second
	}
	if opts.SegmentWaitTimeout == 0 {
		opts.SegmentWaitTimeout = time.Second
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func TestStartTranscode_CompletesAndWritesSidecar(t *testing.T) {
	e := newTestEngine(t, stubComplete, Options{})
	ctx := context.Background()

	dir, err := e.StartTranscode(ctx, 7, "http://dvr/play/7", ModeInteractive, Metadata{ShowName: "Nature Hour"})
	require.NoError(t, err)
	assert.Equal(t, e.dir(7), dir)

	assert.Eventually(t, func() bool {
		st, err := e.Status(7)
		return err == nil && st.State == StateComplete
	}, 5*time.Second, 50*time.Millisecond)

	sc, err := readSidecar(dir)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, sc.State)
	assert.Equal(t, "Nature Hour", sc.ShowName)
	assert.Equal(t, "http://dvr/play/7", sc.SourceURL)
}

func TestStartTranscode_Idempotent(t *testing.T) {
	e := newTestEngine(t, stubRunning, Options{})
	ctx := context.Background()

	// Count spawns through a marker the stub leaves in the output dir.
	first, err := e.StartTranscode(ctx, 3, "http://dvr/play/3", ModeInteractive, Metadata{})
	require.NoError(t, err)

	again, err := e.StartTranscode(ctx, 3, "http://dvr/play/3", ModeInteractive, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()
	assert.Equal(t, 1, active, "one process for repeated starts")
}

func TestStartTranscode_ConcurrentStartsSpawnOnce(t *testing.T) {
	e := newTestEngine(t, stubRunning, Options{})
	ctx := context.Background()

	const starters = 8
	dirs := make([]string, starters)
	errs := make([]error, starters)
	var wg sync.WaitGroup
	for i := range dirs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dirs[i], errs[i] = e.StartTranscode(ctx, 42, "http://dvr/play/42", ModeInteractive, Metadata{})
		}(i)
	}
	wg.Wait()

	for i := range dirs {
		require.NoError(t, errs[i])
		assert.Equal(t, dirs[0], dirs[i], "every caller gets the same directory")
	}

	e.mu.Lock()
	active := len(e.active)
	jobs := len(e.jobs)
	e.mu.Unlock()
	assert.Equal(t, 1, active, "one child for concurrent starts")
	assert.Equal(t, 1, jobs)
}

func TestStartTranscode_InteractiveEvictsOldest(t *testing.T) {
	e := newTestEngine(t, stubRunning, Options{MaxConcurrent: 1})
	ctx := context.Background()

	dir1, err := e.StartTranscode(ctx, 1, "http://dvr/play/1", ModeInteractive, Metadata{})
	require.NoError(t, err)

	_, err = e.StartTranscode(ctx, 2, "http://dvr/play/2", ModeInteractive, Metadata{})
	require.NoError(t, err)

	_, err = e.Status(1)
	assert.True(t, apperr.Is(err, apperr.NotFound), "evicted job is gone from the table")

	assert.Eventually(t, func() bool {
		_, err := os.Stat(dir1)
		return os.IsNotExist(err)
	}, 10*time.Second, 100*time.Millisecond, "evicted directory deleted")
}

func TestStartTranscode_BulkDefersAtCapacity(t *testing.T) {
	e := newTestEngine(t, stubRunning, Options{MaxConcurrent: 1})
	ctx := context.Background()

	_, err := e.StartTranscode(ctx, 1, "http://dvr/play/1", ModeInteractive, Metadata{})
	require.NoError(t, err)

	dir, err := e.StartTranscode(ctx, 2, "http://dvr/play/2", ModeBulk, Metadata{})
	assert.True(t, apperr.Is(err, apperr.Busy))
	assert.Equal(t, e.dir(2), dir, "intended output dir is still reported")

	_, err = e.Status(1)
	assert.NoError(t, err, "bulk mode never evicts")
}

func TestStartTranscode_StartupTimeout(t *testing.T) {
	e := newTestEngine(t, stubSilent, Options{PlaylistTimeout: 300 * time.Millisecond})
	ctx := context.Background()

	_, err := e.StartTranscode(ctx, 5, "http://dvr/play/5", ModeInteractive, Metadata{})
	assert.True(t, apperr.Is(err, apperr.TranscodeStartupTimeout))

	st, serr := e.Status(5)
	require.NoError(t, serr)
	assert.Equal(t, StateTranscoding, st.State, "job stays flagged for late settlement")
}

func TestStartTranscode_ChildFailureRecorded(t *testing.T) {
	e := newTestEngine(t, stubFail, Options{PlaylistTimeout: 300 * time.Millisecond})
	ctx := context.Background()

	_, err := e.StartTranscode(ctx, 9, "http://dvr/play/9", ModeInteractive, Metadata{})
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		st, err := e.Status(9)
		return err == nil && st.State == StateError
	}, 5*time.Second, 50*time.Millisecond)

	sc, err := readSidecar(e.dir(9))
	require.NoError(t, err)
	assert.Equal(t, StateError, sc.State)
	assert.Contains(t, sc.StderrTail, "error: boom")
}

func TestStartTranscode_SpawnFailure(t *testing.T) {
	e := newTestEngine(t, stubComplete, Options{})
	e.opts.FFmpegPath = filepath.Join(t.TempDir(), "missing-binary")

	_, err := e.StartTranscode(context.Background(), 4, "http://dvr/play/4", ModeInteractive, Metadata{})
	assert.True(t, apperr.Is(err, apperr.TranscoderFailed))

	st, serr := e.Status(4)
	require.NoError(t, serr)
	assert.Equal(t, StateError, st.State)
}

func TestFilePath(t *testing.T) {
	e := newTestEngine(t, stubComplete, Options{})
	ctx := context.Background()

	_, err := e.StartTranscode(ctx, 7, "http://dvr/play/7", ModeInteractive, Metadata{})
	require.NoError(t, err)

	path, err := e.FilePath(ctx, 7, PlaylistName)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.dir(7), PlaylistName), path)

	_, err = e.FilePath(ctx, 7, segmentName(0))
	require.NoError(t, err)

	for _, name := range []string{"../etc/passwd", "a/b.ts", "segment1.ts", "other.m3u8", ""} {
		_, err = e.FilePath(ctx, 7, name)
		assert.True(t, apperr.Is(err, apperr.InvalidArgument), "name %q", name)
	}

	_, err = e.FilePath(ctx, 99, PlaylistName)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = e.FilePath(ctx, 7, segmentName(42))
	assert.True(t, apperr.Is(err, apperr.NotFound), "absent segment of a settled job")
}

func TestFilePath_WaitsForLateSegment(t *testing.T) {
	e := newTestEngine(t, stubRunning, Options{SegmentWaitTimeout: 2 * time.Second})
	ctx := context.Background()

	dir, err := e.StartTranscode(ctx, 7, "http://dvr/play/7", ModeInteractive, Metadata{})
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, segmentName(1)), []byte("data"), 0o644)
	}()

	path, err := e.FilePath(ctx, 7, segmentName(1))
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestRecovery(t *testing.T) {
	cacheDir := t.TempDir()
	mkdir := func(id int64, sc Sidecar, withPlaylist bool) string {
		dir := filepath.Join(cacheDir, strconv.FormatInt(id, 10))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, writeSidecar(dir, sc))
		if withPlaylist {
			require.NoError(t, os.WriteFile(filepath.Join(dir, PlaylistName), []byte("#EXTM3U\n"), 0o644))
		}
		return dir
	}

	abandoned := mkdir(1, Sidecar{State: StateTranscoding, SourceURL: "u1"}, true)
	complete := mkdir(2, Sidecar{State: StateComplete, SourceURL: "u2", ShowName: "Nature Hour"}, true)
	mkdir(3, Sidecar{State: StateComplete, SourceURL: "u3"}, false)

	e, err := New(Options{CacheDir: cacheDir, FFmpegPath: "/bin/false"})
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)

	assert.NoDirExists(t, abandoned)
	assert.DirExists(t, complete)

	st, err := e.Status(2)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, st.State)

	_, err = e.Status(3)
	assert.True(t, apperr.Is(err, apperr.NotFound), "complete without playlist is ignored")
}

func TestSweep_DeletesExpiredDirectories(t *testing.T) {
	e := newTestEngine(t, stubComplete, Options{})
	ctx := context.Background()

	dir, err := e.StartTranscode(ctx, 7, "http://dvr/play/7", ModeInteractive, Metadata{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		st, err := e.Status(7)
		return err == nil && st.State == StateComplete
	}, 5*time.Second, 50*time.Millisecond)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	e.sweep(time.Hour)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, 5*time.Second, 50*time.Millisecond)
	_, err = e.Status(7)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestRunSweeper_AppliesReloadedSettings(t *testing.T) {
	e := newTestEngine(t, stubComplete, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, err := e.StartTranscode(ctx, 7, "http://dvr/play/7", ModeInteractive, Metadata{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		st, err := e.Status(7)
		return err == nil && st.State == StateComplete
	}, 5*time.Second, 50*time.Millisecond)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	var maxAge atomic.Int64
	maxAge.Store(int64(24 * time.Hour))
	go e.RunSweeper(ctx, func() (time.Duration, time.Duration) {
		return 20 * time.Millisecond, time.Duration(maxAge.Load())
	})

	// Several passes with generous retention must leave the entry alone.
	time.Sleep(200 * time.Millisecond)
	assert.DirExists(t, dir)

	// Dropping the retention below the directory age takes effect on the
	// next pass, no restart.
	maxAge.Store(int64(time.Hour))
	assert.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDeleteTranscode_UnknownEpisode(t *testing.T) {
	e := newTestEngine(t, stubComplete, Options{})
	err := e.DeleteTranscode(404, "api")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestJobs_SortedListing(t *testing.T) {
	e := newTestEngine(t, stubComplete, Options{MaxConcurrent: 4})
	ctx := context.Background()
	for _, id := range []int64{9, 2, 5} {
		_, err := e.StartTranscode(ctx, id, fmt.Sprintf("http://dvr/play/%d", id), ModeInteractive, Metadata{})
		require.NoError(t, err)
	}

	jobs := e.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, int64(2), jobs[0].EpisodeID)
	assert.Equal(t, int64(9), jobs[2].EpisodeID)
}
