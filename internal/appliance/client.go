// Package appliance is the HTTP client for the tuner/DVR appliances: device
// self-description, tuner status, recording catalog and command endpoints.
package appliance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hdhub/hdhub/internal/apperr"
)

// ErrorHeader carries the appliance's error code on live-stream responses.
const ErrorHeader = "X-HDHomeRun-Error"

// Client talks to a single appliance. All calls are bounded by per-operation
// timeouts; callers pass their own ctx for cancellation.
type Client struct {
	base string
	http *http.Client
}

// New builds a client for the appliance at base (e.g. "http://10.0.0.5").
func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL returns the appliance base URL the client was built with.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err, "build request")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnreachable, err, rawURL)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 500 {
		return apperr.E(apperr.UpstreamUnavailable, "%s returned %d", rawURL, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return apperr.E(apperr.UpstreamUnavailable, "%s returned %d", rawURL, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, err, "decode "+rawURL)
	}
	return nil
}

// Discover fetches /discover.json.
func (c *Client) Discover(ctx context.Context) (DeviceInfo, error) {
	var d DeviceInfo
	err := c.getJSON(ctx, c.base+"/discover.json", &d)
	return d, err
}

// Lineup fetches /lineup.json.
func (c *Client) Lineup(ctx context.Context) ([]LineupEntry, error) {
	var entries []LineupEntry
	err := c.getJSON(ctx, c.base+"/lineup.json", &entries)
	return entries, err
}

// TunerStatus fetches /status.json.
func (c *Client) TunerStatus(ctx context.Context) ([]TunerResource, error) {
	var resources []TunerResource
	err := c.getJSON(ctx, c.base+"/status.json", &resources)
	return resources, err
}

// HasFreeTuner reports whether any tuner resource is currently unused.
// The answer is advisory: another client can claim the tuner immediately after.
func (c *Client) HasFreeTuner(ctx context.Context) (bool, error) {
	resources, err := c.TunerStatus(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range resources {
		if strings.HasPrefix(r.Resource, "tuner") && !r.Busy() {
			return true, nil
		}
	}
	return false, nil
}

// Series fetches the series list from the storage catalog URL.
func (c *Client) Series(ctx context.Context, storageURL string) ([]SeriesRecord, error) {
	var series []SeriesRecord
	err := c.getJSON(ctx, storageURL, &series)
	return series, err
}

// Episodes fetches one series' episode list from its EpisodesURL.
func (c *Client) Episodes(ctx context.Context, episodesURL string) ([]EpisodeRecord, error) {
	var episodes []EpisodeRecord
	err := c.getJSON(ctx, episodesURL, &episodes)
	return episodes, err
}

func (c *Client) postCmd(ctx context.Context, cmdURL string, params url.Values) error {
	u, err := url.Parse(cmdURL)
	if err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err, "parse cmd url")
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err, "build cmd request")
	}
	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnreachable, err, u.Host)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return apperr.E(apperr.UpstreamUnavailable, "cmd %s returned %d", q.Get("cmd"), res.StatusCode)
	}
	return nil
}

// SetResume posts the playback position to the recording's command URL.
// Pass ResumeSentinel to mark the recording fully watched.
func (c *Client) SetResume(ctx context.Context, cmdURL string, resume uint32) error {
	return c.postCmd(ctx, cmdURL, url.Values{
		"cmd":    {"set"},
		"Resume": {strconv.FormatUint(uint64(resume), 10)},
	})
}

// DeleteRecording deletes the recording behind cmdURL on the appliance.
func (c *Client) DeleteRecording(ctx context.Context, cmdURL string, allowRerecord bool) error {
	rerecord := "0"
	if allowRerecord {
		rerecord = "1"
	}
	return c.postCmd(ctx, cmdURL, url.Values{
		"cmd":      {"delete"},
		"rerecord": {rerecord},
	})
}

// TriggerRuleSync posts the resync signal so the appliance refetches its
// recording rules from the cloud. Best-effort; callers log failures.
func (c *Client) TriggerRuleSync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/recording_events.post?sync", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnreachable, err, c.base)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return apperr.E(apperr.UpstreamUnavailable, "rule sync returned %d", res.StatusCode)
	}
	return nil
}

// LiveURL builds the auto-tune live stream URL for a channel on this
// appliance's streaming port.
func LiveURL(ip, channel string) string {
	return fmt.Sprintf("http://%s:5004/auto/v%s", ip, channel)
}

// ProbeLive performs a short GET against a live stream URL to fail fast
// before a transcoder is spawned. It reads at most 1 KB and maps the
// appliance error header to domain errors.
func ProbeLive(ctx context.Context, liveURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, liveURL, nil)
	if err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err, "build probe request")
	}
	client := &http.Client{Timeout: 3 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnreachable, err, "live probe")
	}
	defer func() { _ = res.Body.Close() }()

	// Drain a little so the appliance commits to a verdict.
	_, _ = io.CopyN(io.Discard, res.Body, 1024)

	switch res.Header.Get(ErrorHeader) {
	case "805":
		return apperr.E(apperr.AllTunersBusy, "all tuners in use")
	case "804":
		return apperr.E(apperr.SpecificTunerBusy, "requested tuner in use")
	case "811":
		return apperr.E(apperr.DrmProtected, "channel is DRM protected")
	}
	if res.StatusCode >= 500 {
		return apperr.E(apperr.UpstreamUnavailable, "live url returned %d", res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return apperr.E(apperr.UpstreamUnavailable, "live url returned %d", res.StatusCode)
	}
	return nil
}
