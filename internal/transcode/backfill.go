package transcode

import (
	"context"
	"sync"
	"time"

	"github.com/hdhub/hdhub/internal/apperr"
)

// BackfillItem is one episode queued for bulk transcoding.
type BackfillItem struct {
	EpisodeID   int64
	UpstreamURL string
	Meta        Metadata
}

// BackfillStatus is a snapshot of the current or last bulk run.
type BackfillStatus struct {
	Running   bool `json:"running"`
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
}

type backfillRun struct {
	mu        sync.Mutex
	running   bool
	total     int
	completed int
	failed    int
	skipped   int
}

// observe is called from the child-exit handler for bulk-mode jobs, and
// for bulk jobs evicted by an interactive start. An evicted bulk job is
// reported as failed and is not re-enqueued within the run.
func (r *backfillRun) observe(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.completed++
	} else {
		r.failed++
	}
}

func (r *backfillRun) skip() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

func (r *backfillRun) snapshot() BackfillStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return BackfillStatus{
		Running:   r.running,
		Total:     r.total,
		Completed: r.completed,
		Failed:    r.failed,
		Skipped:   r.skipped,
	}
}

// StartBackfill launches a bulk run over the given episodes. Only one run
// may be active at a time. Episodes already Complete are skipped; the rest
// are fed through the normal StartTranscode path in bulk mode, which never
// evicts and defers when all slots are busy.
func (e *Engine) StartBackfill(ctx context.Context, items []BackfillItem) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperr.E(apperr.Internal, "engine is shut down")
	}
	if e.backfill != nil && e.backfill.snapshot().Running {
		e.mu.Unlock()
		return apperr.E(apperr.Conflict, "a backfill run is already active")
	}
	run := &backfillRun{running: true, total: len(items)}
	e.backfill = run
	e.mu.Unlock()

	go e.runBackfill(ctx, run, items)
	return nil
}

// BackfillStatus reports the current or last bulk run.
func (e *Engine) BackfillStatus() BackfillStatus {
	e.mu.Lock()
	run := e.backfill
	e.mu.Unlock()
	if run == nil {
		return BackfillStatus{}
	}
	return run.snapshot()
}

func (e *Engine) runBackfill(ctx context.Context, run *backfillRun, items []BackfillItem) {
	defer func() {
		run.mu.Lock()
		run.running = false
		run.mu.Unlock()
		st := run.snapshot()
		e.log.Info().Int("total", st.Total).Int("completed", st.Completed).
			Int("failed", st.Failed).Int("skipped", st.Skipped).Msg("backfill finished")
	}()

	var queue []BackfillItem
	for _, item := range items {
		e.mu.Lock()
		j, ok := e.jobs[item.EpisodeID]
		done := ok && j.state == StateComplete
		e.mu.Unlock()
		if done {
			run.skip()
			continue
		}
		queue = append(queue, item)
	}

	e.log.Info().Int("queued", len(queue)).Int("skipped", run.snapshot().Skipped).Msg("backfill started")

	for {
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		slotFree := len(e.active) < e.opts.MaxConcurrent
		bulkActive := 0
		for _, id := range e.active {
			if j, ok := e.jobs[id]; ok && j.mode == ModeBulk {
				bulkActive++
			}
		}
		e.mu.Unlock()

		if len(queue) == 0 {
			if bulkActive == 0 {
				return
			}
			// Drain: exits are observed by the child-exit handler.
		} else if slotFree {
			item := queue[0]
			queue = queue[1:]

			_, err := e.StartTranscode(ctx, item.EpisodeID, item.UpstreamURL, ModeBulk, item.Meta)
			switch {
			case err == nil:
				if st, serr := e.Status(item.EpisodeID); serr == nil && st.State == StateComplete {
					// Raced with an interactive start that already finished.
					run.skip()
				}
				continue
			case apperr.Is(err, apperr.Busy):
				// An interactive start took the slot between our check and
				// the call. Put the item back and wait.
				queue = append([]BackfillItem{item}, queue...)
			case apperr.Is(err, apperr.TranscodeStartupTimeout):
				// The child is up but slow; its exit handler settles it.
				continue
			default:
				run.observe(false)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}
