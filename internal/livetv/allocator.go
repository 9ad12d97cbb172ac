package livetv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/appliance"
	"github.com/hdhub/hdhub/internal/discovery"
	"github.com/hdhub/hdhub/internal/log"
	"github.com/hdhub/hdhub/internal/metrics"
	"github.com/hdhub/hdhub/internal/store"
)

// TunerState is the allocation state of one tuner.
type TunerState string

const (
	StateIdle     TunerState = "idle"
	StateActive   TunerState = "active"
	StateCooldown TunerState = "cooldown"
	StateOffline  TunerState = "offline"
)

// TunerID builds the canonical tuner key.
func TunerID(deviceID string, index int) string {
	return fmt.Sprintf("%s-tuner-%d", deviceID, index)
}

func deviceOf(tunerID string) string {
	if i := strings.LastIndex(tunerID, "-tuner-"); i >= 0 {
		return tunerID[:i]
	}
	return tunerID
}

func indexOf(tunerID string) int {
	if i := strings.LastIndex(tunerID, "-tuner-"); i >= 0 {
		n, _ := strconv.Atoi(tunerID[i+len("-tuner-"):])
		return n
	}
	return 0
}

// Tuner is the externally visible state of one tuner.
type Tuner struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	Index        int        `json:"index"`
	State        TunerState `json:"state"`
	Channel      string     `json:"channel,omitempty"`
	ViewerCount  int        `json:"viewer_count"`
	LastAccessed time.Time  `json:"last_accessed,omitempty"`
}

type tuner struct {
	deviceID     string
	index        int
	state        TunerState
	channel      string
	viewerCount  int
	lastAccessed time.Time
}

type viewer struct {
	clientID      string
	tunerID       string
	channel       string
	lastHeartbeat time.Time
}

type deviceInfo struct {
	ip      string
	baseURL string
}

// StreamWorker is the allocator's view of the live stream worker.
type StreamWorker interface {
	Start(tunerID, sourceURL, channel string) (int, error)
	Stop(tunerID string) error
	WaitForFirstSegment(ctx context.Context, tunerID string, timeout time.Duration) error
}

// Mirror persists tuner and viewer state across restarts.
type Mirror interface {
	SaveTuner(ctx context.Context, t store.TunerRow) error
	LoadTuners(ctx context.Context) ([]store.TunerRow, error)
	DeleteTunersForDevice(ctx context.Context, deviceID string) error
	SaveViewer(ctx context.Context, v store.ViewerRow) error
	DeleteViewer(ctx context.Context, clientID string) error
	ClearViewers(ctx context.Context) error
}

// AllocatorConfig carries the lifecycle knobs.
type AllocatorConfig struct {
	MaxViewersPerTuner int
	Cooldown           time.Duration
	HeartbeatInterval  time.Duration
	MissedHeartbeats   int
	FirstSegmentWait   time.Duration
}

// Allocator owns the tuner pool and the viewer table.
type Allocator struct {
	cfg    AllocatorConfig
	worker StreamWorker
	mirror Mirror
	log    zerolog.Logger

	// allocMu serializes Watch calls end to end so two viewers cannot
	// race a worker start onto the same tuner. mu guards the maps for
	// the fast paths (heartbeat, release, sweeps, snapshots).
	allocMu sync.Mutex
	mu      sync.Mutex
	tuners  map[string]*tuner
	viewers map[string]*viewer
	devices map[string]deviceInfo

	// Swappable for tests.
	availabilityFn func(ctx context.Context, dev deviceInfo) (bool, error)
	probeFn        func(ctx context.Context, liveURL string) error
	liveURLFn      func(ip, channel string) string
}

// NewAllocator builds the allocator and restores the durable mirror.
// Tuners persisted as active come back idle: no worker survives a restart.
func NewAllocator(cfg AllocatorConfig, worker StreamWorker, mirror Mirror) (*Allocator, error) {
	if cfg.MaxViewersPerTuner <= 0 {
		cfg.MaxViewersPerTuner = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 2
	}
	if cfg.FirstSegmentWait <= 0 {
		cfg.FirstSegmentWait = 15 * time.Second
	}

	a := &Allocator{
		cfg:     cfg,
		worker:  worker,
		mirror:  mirror,
		log:     log.WithComponent("allocator"),
		tuners:  make(map[string]*tuner),
		viewers: make(map[string]*viewer),
		devices: make(map[string]deviceInfo),
		probeFn: appliance.ProbeLive,
		liveURLFn: func(ip, channel string) string {
			return appliance.LiveURL(ip, channel)
		},
	}
	a.availabilityFn = func(ctx context.Context, dev deviceInfo) (bool, error) {
		return appliance.New(dev.baseURL).HasFreeTuner(ctx)
	}

	ctx := context.Background()
	rows, err := mirror.LoadTuners(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		a.tuners[TunerID(row.DeviceID, row.TunerIndex)] = &tuner{
			deviceID:     row.DeviceID,
			index:        row.TunerIndex,
			state:        TunerState(row.State),
			channel:      row.Channel,
			viewerCount:  row.ViewerCount,
			lastAccessed: row.LastAccessed,
		}
	}
	if err := mirror.ClearViewers(ctx); err != nil {
		return nil, err
	}
	a.refreshMetricsLocked()
	return a, nil
}

// SyncDevices reconciles the tuner pool with a discovery snapshot. New
// appliances gain Idle tuners; vanished appliances have their tuners
// marked Offline, their workers stopped and their viewers dropped.
func (a *Allocator) SyncDevices(set []discovery.Appliance) {
	present := make(map[string]bool, len(set))

	a.mu.Lock()
	for _, app := range set {
		present[app.DeviceID] = true
		a.devices[app.DeviceID] = deviceInfo{ip: app.IP, baseURL: app.BaseURL}
		for i := 0; i < app.TunerCount; i++ {
			id := TunerID(app.DeviceID, i)
			if t, ok := a.tuners[id]; ok {
				if t.state == StateOffline {
					t.state = StateIdle
				}
				continue
			}
			a.tuners[id] = &tuner{deviceID: app.DeviceID, index: i, state: StateIdle}
		}
	}

	var stopIDs []string
	var dropViewers []string
	for id, t := range a.tuners {
		if present[t.deviceID] {
			continue
		}
		if t.state == StateActive || t.state == StateCooldown {
			stopIDs = append(stopIDs, id)
		}
		t.state = StateOffline
		t.channel = ""
		t.viewerCount = 0
	}
	for clientID, v := range a.viewers {
		if t, ok := a.tuners[v.tunerID]; ok && t.state == StateOffline {
			dropViewers = append(dropViewers, clientID)
		}
	}
	for _, clientID := range dropViewers {
		delete(a.viewers, clientID)
	}
	a.refreshMetricsLocked()
	a.persistAllLocked()
	a.mu.Unlock()

	for _, id := range stopIDs {
		_ = a.worker.Stop(id)
	}
	for _, clientID := range dropViewers {
		_ = a.mirror.DeleteViewer(context.Background(), clientID)
	}
	if len(stopIDs) > 0 || len(dropViewers) > 0 {
		a.log.Info().Int("stopped", len(stopIDs)).Int("dropped_viewers", len(dropViewers)).
			Msg("offline appliances reconciled")
	}
}

// WatchResult tells the caller where the stream lives.
type WatchResult struct {
	TunerID string `json:"tuner_id"`
	Channel string `json:"channel"`
	Shared  bool   `json:"shared"`
}

// Watch binds client_id to a tuner streaming channel, starting a worker
// when no running stream can be shared.
func (a *Allocator) Watch(ctx context.Context, channel, clientID string) (WatchResult, error) {
	if channel == "" || clientID == "" {
		return WatchResult{}, apperr.E(apperr.InvalidArgument, "channel and client_id are required")
	}

	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	// Step 1: share an active tuner already on this channel.
	a.mu.Lock()
	for id, t := range a.tuners {
		if t.state == StateActive && t.channel == channel && t.viewerCount < a.cfg.MaxViewersPerTuner {
			a.registerViewerLocked(clientID, id, channel)
			a.mu.Unlock()
			metrics.WatchTotal.WithLabelValues("shared").Inc()
			return WatchResult{TunerID: id, Channel: channel, Shared: true}, nil
		}
	}
	candidates := a.candidatesLocked()
	a.mu.Unlock()

	// Steps 2 and 3: idle tuners first, then cooldown tuners, in
	// deterministic order. The appliance availability re-check is
	// mandatory: external clients may hold tuners we believe are free.
	var lastErr error
	for _, id := range candidates {
		res, err := a.tryAllocate(ctx, id, channel, clientID)
		if err == nil {
			return res, nil
		}
		if apperr.Is(err, apperr.DrmProtected) {
			metrics.WatchTotal.WithLabelValues("failed").Inc()
			return WatchResult{}, err
		}
		// A tuner simply being unavailable is not diagnostic; keep the
		// more specific upstream errors for the final verdict.
		if !apperr.Is(err, apperr.NoTunersAvailable) {
			lastErr = err
		}
	}

	metrics.WatchTotal.WithLabelValues("failed").Inc()
	if lastErr != nil {
		return WatchResult{}, lastErr
	}
	return WatchResult{}, apperr.E(apperr.NoTunersAvailable, "no tuner can serve channel %s", channel)
}

// candidatesLocked returns allocation candidates ordered Idle before
// Cooldown, each group sorted by device id then tuner index.
func (a *Allocator) candidatesLocked() []string {
	var idle, cooldown []string
	for id, t := range a.tuners {
		switch {
		case t.state == StateIdle:
			idle = append(idle, id)
		case t.state == StateCooldown && t.viewerCount == 0:
			cooldown = append(cooldown, id)
		}
	}
	sort.Strings(idle)
	sort.Strings(cooldown)
	return append(idle, cooldown...)
}

func (a *Allocator) tryAllocate(ctx context.Context, tunerID, channel, clientID string) (WatchResult, error) {
	a.mu.Lock()
	t, ok := a.tuners[tunerID]
	if !ok {
		a.mu.Unlock()
		return WatchResult{}, apperr.E(apperr.NotFound, "tuner %s disappeared", tunerID)
	}
	state := t.state
	currentChannel := t.channel
	dev, devOK := a.devices[t.deviceID]
	a.mu.Unlock()
	if !devOK {
		return WatchResult{}, apperr.E(apperr.UpstreamUnreachable, "no address for device %s", t.deviceID)
	}

	// Cooldown tuner already on the right channel: reuse its worker.
	if state == StateCooldown && currentChannel == channel {
		a.mu.Lock()
		t.state = StateActive
		a.registerViewerLocked(clientID, tunerID, channel)
		a.mu.Unlock()
		metrics.WatchTotal.WithLabelValues("reused").Inc()
		return WatchResult{TunerID: tunerID, Channel: channel}, nil
	}

	free, err := a.availabilityFn(ctx, dev)
	if err != nil {
		return WatchResult{}, err
	}
	if !free {
		return WatchResult{}, apperr.E(apperr.NoTunersAvailable, "appliance %s reports no free tuner", t.deviceID)
	}

	liveURL := a.liveURLFn(dev.ip, channel)
	if err := a.probeFn(ctx, liveURL); err != nil {
		return WatchResult{}, err
	}

	// A cooldown tuner on another channel surrenders its worker.
	if state == StateCooldown {
		_ = a.worker.Stop(tunerID)
	}

	if _, err := a.worker.Start(tunerID, liveURL, channel); err != nil {
		return WatchResult{}, err
	}
	if err := a.worker.WaitForFirstSegment(ctx, tunerID, a.cfg.FirstSegmentWait); err != nil {
		_ = a.worker.Stop(tunerID)
		return WatchResult{}, err
	}

	a.mu.Lock()
	t.state = StateActive
	t.channel = channel
	a.registerViewerLocked(clientID, tunerID, channel)
	a.mu.Unlock()
	metrics.WatchTotal.WithLabelValues("started").Inc()
	return WatchResult{TunerID: tunerID, Channel: channel}, nil
}

// registerViewerLocked upserts the viewer and bumps the tuner counters.
// Caller holds a.mu.
func (a *Allocator) registerViewerLocked(clientID, tunerID, channel string) {
	if old, ok := a.viewers[clientID]; ok && old.tunerID != tunerID {
		a.dropViewerLocked(clientID)
	}
	if _, ok := a.viewers[clientID]; !ok {
		if t, ok := a.tuners[tunerID]; ok {
			t.viewerCount++
			t.lastAccessed = time.Now()
		}
	}
	a.viewers[clientID] = &viewer{
		clientID:      clientID,
		tunerID:       tunerID,
		channel:       channel,
		lastHeartbeat: time.Now(),
	}
	a.refreshMetricsLocked()
	a.persistTunerLocked(tunerID)
	a.persistViewerLocked(clientID)
}

// dropViewerLocked removes a viewer and decrements its tuner, moving the
// tuner to Cooldown when the last viewer leaves. Caller holds a.mu.
func (a *Allocator) dropViewerLocked(clientID string) {
	v, ok := a.viewers[clientID]
	if !ok {
		return
	}
	delete(a.viewers, clientID)
	if t, ok := a.tuners[v.tunerID]; ok {
		if t.viewerCount > 0 {
			t.viewerCount--
		}
		if t.viewerCount == 0 && t.state == StateActive {
			t.state = StateCooldown
			t.lastAccessed = time.Now()
		}
		a.persistTunerLocked(v.tunerID)
	}
	go func() { _ = a.mirror.DeleteViewer(context.Background(), clientID) }()
	a.refreshMetricsLocked()
}

// Heartbeat refreshes a viewer lease. Reports whether the client is known.
func (a *Allocator) Heartbeat(clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.viewers[clientID]
	if !ok {
		return false
	}
	v.lastHeartbeat = time.Now()
	a.persistViewerLocked(clientID)
	return true
}

// Release removes a viewer explicitly.
func (a *Allocator) Release(clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.viewers[clientID]; !ok {
		return false
	}
	a.dropViewerLocked(clientID)
	return true
}

// RunSweeps drives the dead-viewer and idle-tuner sweeps until ctx ends.
func (a *Allocator) RunSweeps(ctx context.Context) {
	viewerTicker := time.NewTicker(30 * time.Second)
	tunerTicker := time.NewTicker(60 * time.Second)
	defer viewerTicker.Stop()
	defer tunerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-viewerTicker.C:
			a.SweepViewers(time.Now())
		case <-tunerTicker.C:
			a.SweepTuners(time.Now())
		}
	}
}

// SweepViewers releases viewers whose heartbeats stopped.
func (a *Allocator) SweepViewers(now time.Time) {
	deadline := time.Duration(a.cfg.MissedHeartbeats) * a.cfg.HeartbeatInterval

	a.mu.Lock()
	var dead []string
	for clientID, v := range a.viewers {
		if now.Sub(v.lastHeartbeat) > deadline {
			dead = append(dead, clientID)
		}
	}
	for _, clientID := range dead {
		a.dropViewerLocked(clientID)
	}
	a.mu.Unlock()

	if len(dead) > 0 {
		a.log.Info().Int("released", len(dead)).Msg("dead viewers swept")
	}
}

// SweepTuners idles cooldown tuners whose grace period has passed and
// stops their workers.
func (a *Allocator) SweepTuners(now time.Time) {
	a.mu.Lock()
	var expired []string
	for id, t := range a.tuners {
		if t.state == StateCooldown && t.viewerCount == 0 &&
			t.lastAccessed.Add(a.cfg.Cooldown).Before(now) {
			t.state = StateIdle
			t.channel = ""
			expired = append(expired, id)
			a.persistTunerLocked(id)
		}
	}
	a.refreshMetricsLocked()
	a.mu.Unlock()

	for _, id := range expired {
		_ = a.worker.Stop(id)
	}
	if len(expired) > 0 {
		a.log.Info().Int("idled", len(expired)).Msg("cooldown tuners swept")
	}
}

// Tuners returns a sorted snapshot of the pool.
func (a *Allocator) Tuners() []Tuner {
	a.mu.Lock()
	out := make([]Tuner, 0, len(a.tuners))
	for id, t := range a.tuners {
		out = append(out, Tuner{
			ID:           id,
			DeviceID:     t.deviceID,
			Index:        t.index,
			State:        t.state,
			Channel:      t.channel,
			ViewerCount:  t.viewerCount,
			LastAccessed: t.lastAccessed,
		})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops every worker the allocator still tracks.
func (a *Allocator) Shutdown() {
	a.mu.Lock()
	var ids []string
	for id, t := range a.tuners {
		if t.state == StateActive || t.state == StateCooldown {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	for _, id := range ids {
		_ = a.worker.Stop(id)
	}
}

func (a *Allocator) persistTunerLocked(tunerID string) {
	t, ok := a.tuners[tunerID]
	if !ok {
		return
	}
	row := store.TunerRow{
		DeviceID:     t.deviceID,
		TunerIndex:   t.index,
		State:        string(t.state),
		Channel:      t.channel,
		ViewerCount:  t.viewerCount,
		LastAccessed: t.lastAccessed,
	}
	go func() {
		if err := a.mirror.SaveTuner(context.Background(), row); err != nil {
			a.log.Error().Err(err).Str("tuner_id", tunerID).Msg("persist tuner")
		}
	}()
}

func (a *Allocator) persistViewerLocked(clientID string) {
	v, ok := a.viewers[clientID]
	if !ok {
		return
	}
	row := store.ViewerRow{
		ClientID:      v.clientID,
		DeviceID:      deviceOf(v.tunerID),
		TunerIndex:    indexOf(v.tunerID),
		Channel:       v.channel,
		LastHeartbeat: v.lastHeartbeat,
	}
	go func() { _ = a.mirror.SaveViewer(context.Background(), row) }()
}

func (a *Allocator) persistAllLocked() {
	for id := range a.tuners {
		a.persistTunerLocked(id)
	}
}

func (a *Allocator) refreshMetricsLocked() {
	counts := map[TunerState]int{}
	for _, t := range a.tuners {
		counts[t.state]++
	}
	for _, state := range []TunerState{StateIdle, StateActive, StateCooldown, StateOffline} {
		metrics.TunerState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	metrics.LiveViewers.Set(float64(len(a.viewers)))
}
