// Package guide caches the electronic program guide locally and brokers
// recording-rule mutations against the vendor cloud, which owns the rules.
package guide

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

// CloudClient speaks the vendor cloud API. Every call carries a DeviceAuth
// token; a 403 surfaces as AuthExpired so the plane can refresh and retry.
type CloudClient struct {
	base string
	http *http.Client
}

// NewCloudClient builds a client for the given cloud base URL.
func NewCloudClient(base string) *CloudClient {
	return &CloudClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// CloudRule is a recording rule as the cloud serializes it.
type CloudRule struct {
	RecordingRuleID          string `json:"RecordingRuleID"`
	SeriesID                 string `json:"SeriesID"`
	Title                    string `json:"Title"`
	Synopsis                 string `json:"Synopsis"`
	ImageURL                 string `json:"ImageURL"`
	ChannelOnly              string `json:"ChannelOnly"`
	TeamOnly                 string `json:"TeamOnly"`
	RecentOnly               int    `json:"RecentOnly"`
	AfterOriginalAirdateOnly int64  `json:"AfterOriginalAirdateOnly"`
	DateTimeOnly             int64  `json:"DateTimeOnly"`
	Priority                 int    `json:"Priority"`
	StartPadding             int    `json:"StartPadding"`
	EndPadding               int    `json:"EndPadding"`
}

// CloudChannel is one channel block of the guide response, programs in
// broadcast order.
type CloudChannel struct {
	GuideNumber string         `json:"GuideNumber"`
	GuideName   string         `json:"GuideName"`
	ImageURL    string         `json:"ImageURL"`
	Guide       []CloudProgram `json:"Guide"`
}

// CloudProgram is one airing within a channel block.
type CloudProgram struct {
	SeriesID     string `json:"SeriesID"`
	ProgramID    string `json:"ProgramID"`
	Title        string `json:"Title"`
	EpisodeTitle string `json:"EpisodeTitle"`
	Synopsis     string `json:"Synopsis"`
	ImageURL     string `json:"ImageURL"`
	StartTime    int64  `json:"StartTime"`
	EndTime      int64  `json:"EndTime"`
}

func (c *CloudClient) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnreachable, err, "cloud request")
	}
	defer resp.Body.Close()

	if err := checkCloudStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(out)
}

// ListRules fetches the authoritative rule set.
func (c *CloudClient) ListRules(ctx context.Context, deviceAuth string) ([]CloudRule, error) {
	u := fmt.Sprintf("%s/api/recording_rules?DeviceAuth=%s", c.base, url.QueryEscape(deviceAuth))
	var rules []CloudRule
	if err := c.get(ctx, u, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// RuleCommand is a mutation posted to the cloud rules endpoint.
type RuleCommand struct {
	Cmd                      string // add, delete or change
	SeriesID                 string
	RecordingRuleID          string
	AfterRecordingRuleID     string
	ChannelOnly              string
	TeamOnly                 string
	RecentOnly               int
	AfterOriginalAirdateOnly int64
	DateTimeOnly             int64
	Priority                 int
	StartPadding             int
	EndPadding               int
}

// PostRule submits a rule mutation as a form body.
func (c *CloudClient) PostRule(ctx context.Context, deviceAuth string, cmd RuleCommand) error {
	form := url.Values{}
	form.Set("DeviceAuth", deviceAuth)
	form.Set("Cmd", cmd.Cmd)
	setIf := func(key, val string) {
		if val != "" {
			form.Set(key, val)
		}
	}
	setIf("SeriesID", cmd.SeriesID)
	setIf("RecordingRuleID", cmd.RecordingRuleID)
	setIf("AfterRecordingRuleID", cmd.AfterRecordingRuleID)
	setIf("ChannelOnly", cmd.ChannelOnly)
	setIf("TeamOnly", cmd.TeamOnly)
	if cmd.RecentOnly != 0 {
		form.Set("RecentOnly", strconv.Itoa(cmd.RecentOnly))
	}
	if cmd.AfterOriginalAirdateOnly != 0 {
		form.Set("AfterOriginalAirdateOnly", strconv.FormatInt(cmd.AfterOriginalAirdateOnly, 10))
	}
	if cmd.DateTimeOnly != 0 {
		form.Set("DateTimeOnly", strconv.FormatInt(cmd.DateTimeOnly, 10))
	}
	if cmd.Priority != 0 {
		form.Set("Priority", strconv.Itoa(cmd.Priority))
	}
	if cmd.StartPadding != 0 {
		form.Set("StartPadding", strconv.Itoa(cmd.StartPadding))
	}
	if cmd.EndPadding != 0 {
		form.Set("EndPadding", strconv.Itoa(cmd.EndPadding))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/recording_rules", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnreachable, err, "cloud rule post")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return checkCloudStatus(resp)
}

// FetchGuide pulls up to 24 hours of guide data starting at start. A zero
// channel fetches the whole lineup.
func (c *CloudClient) FetchGuide(ctx context.Context, deviceAuth string, start time.Time, duration time.Duration, channel string) ([]CloudChannel, error) {
	if duration <= 0 || duration > 24*time.Hour {
		duration = 24 * time.Hour
	}
	u := fmt.Sprintf("%s/api/guide?DeviceAuth=%s&Start=%d&Duration=%d",
		c.base, url.QueryEscape(deviceAuth), start.Unix(), int64(duration.Seconds()))
	if channel != "" {
		u += "&Channel=" + url.QueryEscape(channel)
	}

	var channels []CloudChannel
	if err := c.get(ctx, u, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

func checkCloudStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusForbidden:
		return apperr.E(apperr.AuthExpired, "cloud rejected DeviceAuth")
	case resp.StatusCode >= 500:
		return apperr.E(apperr.UpstreamUnavailable, "cloud returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return apperr.E(apperr.UpstreamUnavailable, "cloud returned unexpected %d", resp.StatusCode)
	}
	return nil
}
