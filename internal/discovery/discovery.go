package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/appliance"
	"github.com/hdhub/hdhub/internal/log"
	"github.com/hdhub/hdhub/internal/metrics"
)

// Appliance is one discovered device. The discovery manager exclusively owns
// these records; other components read them through Snapshot.
type Appliance struct {
	DeviceID     string    `json:"device_id"`
	IP           string    `json:"ip"`
	BaseURL      string    `json:"base_url"`
	FriendlyName string    `json:"friendly_name"`
	ModelNumber  string    `json:"model_number"`
	DeviceAuth   string    `json:"-"`
	LineupURL    string    `json:"lineup_url"`
	StorageID    string    `json:"storage_id,omitempty"`
	StorageURL   string    `json:"storage_url,omitempty"`
	TunerCount   int       `json:"tuner_count"`
	TotalSpace   int64     `json:"total_space,omitempty"`
	FreeSpace    int64     `json:"free_space,omitempty"`
	Source       string    `json:"source"` // "udp" or "http"
	LastSeen     time.Time `json:"last_seen"`
}

// IsDVR reports whether the appliance exposes a recording catalog.
func (a Appliance) IsDVR() bool { return a.StorageURL != "" }

// candidate is an address worth a discover.json fetch, with its origin.
type candidate struct {
	ip     string
	source string
}

const (
	udpReplyWindow  = 3 * time.Second
	detailTimeout   = 3 * time.Second
	subnetScanHosts = 254
	vendorName      = "HDHomeRun"
)

// Config for the discovery manager.
type Config struct {
	CloudBaseURL string
	// OnUpdate is invoked with the new appliance set after each pass.
	OnUpdate func([]Appliance)
}

// Manager runs discovery passes and holds the authoritative appliance set.
// Observers see either the previous set or the new one, never a mid-merge
// state; at most one pass runs at a time.
type Manager struct {
	logger   zerolog.Logger
	cloudURL string
	onUpdate func([]Appliance)

	snapshot   atomic.Pointer[[]Appliance]
	inProgress atomic.Bool

	// Stubbed in tests.
	udpFn   func(ctx context.Context) []candidate
	cloudFn func(ctx context.Context) []candidate
	scanFn  func(ctx context.Context) []candidate
	fetchFn func(ctx context.Context, ip string) (appliance.DeviceInfo, error)
}

// NewManager builds an idle manager; call Run (or RunPeriodic) to populate it.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:   log.WithComponent("discovery"),
		cloudURL: cfg.CloudBaseURL,
		onUpdate: cfg.OnUpdate,
	}
	empty := []Appliance{}
	m.snapshot.Store(&empty)

	m.udpFn = m.udpDiscover
	m.cloudFn = m.cloudDiscover
	m.scanFn = m.subnetScan
	m.fetchFn = func(ctx context.Context, ip string) (appliance.DeviceInfo, error) {
		ctx, cancel := context.WithTimeout(ctx, detailTimeout)
		defer cancel()
		return appliance.New("http://" + ip).Discover(ctx)
	}
	return m
}

// Snapshot returns the current appliance set.
func (m *Manager) Snapshot() []Appliance {
	return *m.snapshot.Load()
}

// Get returns the appliance with the given device id.
func (m *Manager) Get(deviceID string) (Appliance, bool) {
	for _, a := range m.Snapshot() {
		if a.DeviceID == deviceID {
			return a, true
		}
	}
	return Appliance{}, false
}

// Run executes one discovery pass. A concurrent trigger is rejected with
// Busy rather than queued.
func (m *Manager) Run(ctx context.Context) error {
	if !m.inProgress.CompareAndSwap(false, true) {
		metrics.DiscoveryPassTotal.WithLabelValues("busy").Inc()
		return apperr.E(apperr.Busy, "discovery pass already running")
	}
	defer m.inProgress.Store(false)

	start := time.Now()
	candidates := m.udpFn(ctx)
	candidates = append(candidates, m.cloudFn(ctx)...)
	if len(candidates) == 0 {
		candidates = m.scanFn(ctx)
	}

	merged := m.resolve(ctx, candidates)

	set := make([]Appliance, 0, len(merged))
	for _, a := range merged {
		set = append(set, a)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].DeviceID < set[j].DeviceID })

	m.snapshot.Store(&set)
	metrics.AppliancesOnline.Set(float64(len(set)))
	metrics.DiscoveryPassTotal.WithLabelValues("ok").Inc()

	m.logger.Info().
		Int("appliances", len(set)).
		Int("candidates", len(candidates)).
		Dur("elapsed", time.Since(start)).
		Msg("discovery pass complete")

	if m.onUpdate != nil {
		m.onUpdate(set)
	}
	return nil
}

// RunPeriodic runs passes until ctx is cancelled. The first pass starts
// immediately. interval is consulted before every wait so a reloaded
// cadence applies without a restart.
func (m *Manager) RunPeriodic(ctx context.Context, interval func() time.Duration) {
	for {
		if err := m.Run(ctx); err != nil && !apperr.Is(err, apperr.Busy) {
			m.logger.Warn().Err(err).Msg("discovery pass failed")
		}
		d := interval()
		if d <= 0 {
			d = 10 * time.Minute
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// resolve fetches discover.json for every candidate and merges duplicates.
// Merge key is the device id (IP when absent); UDP-sourced entries override
// address fields because the reply's source address is authoritative.
func (m *Manager) resolve(ctx context.Context, candidates []candidate) map[string]Appliance {
	merged := make(map[string]Appliance)
	now := time.Now()

	for _, c := range candidates {
		info, err := m.fetchFn(ctx, c.ip)
		if err != nil {
			m.logger.Debug().Err(err).Str("ip", c.ip).Str("source", c.source).Msg("candidate details fetch failed")
			continue
		}
		if info.DeviceID == "" && info.ModelNumber == "" {
			continue
		}

		a := Appliance{
			DeviceID:     info.DeviceID,
			IP:           c.ip,
			BaseURL:      info.BaseURL,
			FriendlyName: info.FriendlyName,
			ModelNumber:  info.ModelNumber,
			DeviceAuth:   info.DeviceAuth,
			LineupURL:    info.LineupURL,
			StorageID:    info.StorageID,
			StorageURL:   info.StorageURL,
			TunerCount:   info.TunerCount,
			TotalSpace:   info.TotalSpace,
			FreeSpace:    info.FreeSpace,
			Source:       c.source,
			LastSeen:     now,
		}
		if a.BaseURL == "" {
			a.BaseURL = "http://" + c.ip
		}

		key := a.DeviceID
		if key == "" {
			key = a.IP
		}
		existing, ok := merged[key]
		if !ok {
			merged[key] = a
			continue
		}
		// Duplicate: keep UDP address fields over HTTP-only ones.
		if existing.Source != "udp" && a.Source == "udp" {
			merged[key] = a
		} else if existing.StorageURL == "" && a.StorageURL != "" {
			existing.StorageURL = a.StorageURL
			existing.StorageID = a.StorageID
			merged[key] = existing
		}
	}
	return merged
}

// udpDiscover broadcasts a wildcard discover request and collects replies
// for the reply window.
func (m *Manager) udpDiscover(ctx context.Context) []candidate {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		m.logger.Debug().Err(err).Msg("udp discovery unavailable")
		return nil
	}
	defer func() { _ = conn.Close() }()

	pkt := EncodeDiscoverRequest(DeviceTypeWildcard, DeviceIDWildcard)
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: DiscoveryPort}
	if _, err := conn.WriteTo(pkt, dst); err != nil {
		m.logger.Debug().Err(err).Msg("udp broadcast failed")
		return nil
	}

	deadline := time.Now().Add(udpReplyWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var found []candidate
	seen := make(map[string]bool)
	buf := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			break // deadline or closed socket ends the collection window
		}
		reply, err := DecodeReply(buf[:n])
		if err != nil {
			m.logger.Debug().Err(err).Str("from", addr.String()).Msg("discarding malformed reply")
			continue
		}
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		if !seen[host] {
			seen[host] = true
			found = append(found, candidate{ip: host, source: "udp"})
			m.logger.Debug().Str("ip", host).Str("device_id", reply.DeviceID).Msg("udp reply")
		}
	}
	return found
}

// cloudDiscover asks the vendor cloud for devices registered on this
// network and keeps entries carrying a local address.
func (m *Manager) cloudDiscover(ctx context.Context) []candidate {
	if m.cloudURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, detailTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cloudURL+"/discover", nil)
	if err != nil {
		return nil
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		m.logger.Debug().Err(err).Msg("cloud discovery failed")
		return nil
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil
	}

	var entries []struct {
		DeviceID string `json:"DeviceID"`
		LocalIP  string `json:"LocalIP"`
	}
	if err := json.NewDecoder(res.Body).Decode(&entries); err != nil {
		return nil
	}

	var found []candidate
	for _, e := range entries {
		if e.LocalIP != "" {
			found = append(found, candidate{ip: e.LocalIP, source: "http"})
		}
	}
	return found
}

// subnetScan probes interface-adjacent /24 subnets for discover.json
// responders. Pacing is rate-limited so a scan never floods the LAN.
func (m *Manager) subnetScan(ctx context.Context) []candidate {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	limiter := rate.NewLimiter(rate.Limit(64), 64)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(32)

	var mu sync.Mutex
	var found []candidate

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			base := ipnet.IP.To4().Mask(net.CIDRMask(24, 32))
			for host := 1; host <= subnetScanHosts; host++ {
				ip := fmt.Sprintf("%d.%d.%d.%d", base[0], base[1], base[2], host)
				g.Go(func() error {
					if err := limiter.Wait(ctx); err != nil {
						return nil //nolint:nilerr // cancellation ends the scan quietly
					}
					if _, err := m.probeHost(ctx, ip); err != nil {
						return nil //nolint:nilerr // unreachable hosts are the common case
					}
					mu.Lock()
					found = append(found, candidate{ip: ip, source: "http"})
					mu.Unlock()
					return nil
				})
			}
		}
	}
	_ = g.Wait()
	return found
}

// probeHost fetches discover.json with a short timeout and accepts only
// vendor devices.
func (m *Manager) probeHost(ctx context.Context, ip string) (appliance.DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	info, err := appliance.New("http://" + ip).Discover(ctx)
	if err != nil {
		return info, err
	}
	if !strings.Contains(info.ModelNumber, vendorName) && !strings.Contains(info.FriendlyName, vendorName) {
		return info, fmt.Errorf("not a %s device", vendorName)
	}
	return info, nil
}
