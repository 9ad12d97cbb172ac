package guide

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/store"
)

// Rules returns the authoritative rule set from the cloud and refreshes
// the local cache. On cloud failure the cached rules are served instead.
func (p *Plane) Rules(ctx context.Context) ([]store.RecordingRule, error) {
	var cloudRules []CloudRule
	err := p.withAuth(ctx, func(auth string) error {
		var lerr error
		cloudRules, lerr = p.cloud.ListRules(ctx, auth)
		return lerr
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("cloud rule fetch failed, serving cached rules")
		return p.store.ListRecordingRules(ctx)
	}

	rules := toStoreRules(cloudRules)
	if err := p.store.ReplaceRecordingRules(ctx, rules); err != nil {
		p.log.Warn().Err(err).Msg("cache rule set")
	}
	return rules, nil
}

// AddRule creates a series rule in the cloud, nudges every appliance to
// pick it up, and reconciles the cache.
func (p *Plane) AddRule(ctx context.Context, cmd RuleCommand) error {
	if cmd.SeriesID == "" {
		return apperr.E(apperr.InvalidArgument, "missing series id")
	}
	cmd.Cmd = "add"
	return p.mutateRule(ctx, cmd)
}

// ChangeRule updates an existing rule in the cloud.
func (p *Plane) ChangeRule(ctx context.Context, cmd RuleCommand) error {
	if cmd.RecordingRuleID == "" {
		return apperr.E(apperr.InvalidArgument, "missing recording rule id")
	}
	cmd.Cmd = "change"
	return p.mutateRule(ctx, cmd)
}

// DeleteRule removes a rule in the cloud and drops it from the cache.
func (p *Plane) DeleteRule(ctx context.Context, ruleID string) error {
	if ruleID == "" {
		return apperr.E(apperr.InvalidArgument, "missing recording rule id")
	}
	if err := p.mutateRule(ctx, RuleCommand{Cmd: "delete", RecordingRuleID: ruleID}); err != nil {
		return err
	}
	return p.store.DeleteRecordingRule(ctx, ruleID)
}

// mutateRule posts the command to the cloud, fans a rule-sync trigger out
// to every appliance, then refetches the rule list to reconcile the cache.
// Fan-out and reconcile failures are logged, not surfaced; the cloud write
// already happened and the appliances poll on their own schedule anyway.
func (p *Plane) mutateRule(ctx context.Context, cmd RuleCommand) error {
	err := p.withAuth(ctx, func(auth string) error {
		return p.cloud.PostRule(ctx, auth, cmd)
	})
	if err != nil {
		return err
	}

	p.triggerRuleSync(ctx)

	if cmd.Cmd != "delete" {
		var cloudRules []CloudRule
		err := p.withAuth(ctx, func(auth string) error {
			var lerr error
			cloudRules, lerr = p.cloud.ListRules(ctx, auth)
			return lerr
		})
		if err != nil {
			p.log.Warn().Err(err).Msg("rule reconcile fetch")
			return nil
		}
		if err := p.store.ReplaceRecordingRules(ctx, toStoreRules(cloudRules)); err != nil {
			p.log.Warn().Err(err).Msg("rule reconcile write")
		}
	}
	return nil
}

func (p *Plane) triggerRuleSync(ctx context.Context) {
	apps := p.snapshot()
	if len(apps) == 0 {
		return
	}
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(syncCtx)
	for _, app := range apps {
		g.Go(func() error {
			if err := p.ruleSyncFn(gctx, app.BaseURL); err != nil {
				p.log.Warn().Err(err).Str("device_id", app.DeviceID).Msg("rule sync trigger")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func toStoreRules(cloudRules []CloudRule) []store.RecordingRule {
	out := make([]store.RecordingRule, 0, len(cloudRules))
	for _, r := range cloudRules {
		out = append(out, store.RecordingRule{
			RecordingRuleID:          r.RecordingRuleID,
			SeriesID:                 r.SeriesID,
			Title:                    r.Title,
			Synopsis:                 r.Synopsis,
			ImageURL:                 r.ImageURL,
			ChannelOnly:              r.ChannelOnly,
			TeamOnly:                 r.TeamOnly,
			RecentOnly:               r.RecentOnly != 0,
			AfterOriginalAirdateOnly: r.AfterOriginalAirdateOnly,
			DateTimeOnly:             r.DateTimeOnly,
			Priority:                 r.Priority,
			StartPadding:             r.StartPadding,
			EndPadding:               r.EndPadding,
		})
	}
	return out
}
