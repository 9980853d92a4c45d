package alerter

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/types"
)

// Store is the slice of relational state the alerter reads and writes:
// rule listings for the cache and the event audit log for outcomes.
type Store interface {
	ListRules(ctx context.Context, activeOnly bool) ([]*types.Rule, error)
	ListDevHosts(ctx context.Context) ([]*types.DevHost, error)
	ListTeamOverrides(ctx context.Context) ([]*types.TeamOverride, error)
	InsertEventAudit(ctx context.Context, rec *types.EventAudit) error
	Ping(ctx context.Context) error
}

// compiledRule pairs a rule with its compiled pattern. Compilation
// happens once per cache load, never per event.
type compiledRule struct {
	rule *types.Rule
	re   *regexp.Regexp // set for regex rules only
}

func (cr *compiledRule) matches(env *types.Envelope) bool {
	switch cr.rule.MatchType {
	case types.MatchContains:
		return strings.Contains(env.Message, cr.rule.MatchString)
	case types.MatchRegex:
		return cr.re.MatchString(env.Message)
	case types.MatchOIDPrefix:
		if env.TrapOID == "" {
			return false
		}
		if env.TrapOID == cr.rule.TrapOID {
			return true
		}
		// Prefix matches stop at OID arc boundaries: 1.3.6.1.4 covers
		// 1.3.6.1.4.1 but not 1.3.6.1.42.
		return strings.HasPrefix(env.TrapOID, cr.rule.TrapOID+".")
	}
	return false
}

// snapshot is one immutable view of classification state. Readers get a
// whole snapshot or the previous one, never a half-built mix.
type snapshot struct {
	rules       []*compiledRule // active non-default rules, priority desc then id asc
	defaultRule *types.Rule
	devHosts    map[string]struct{}
	teams       map[string]string
	loadedAt    time.Time
}

// Classification is the resolved disposition for one event
type Classification struct {
	Rule      *types.Rule
	Handling  types.Handling
	Team      string
	IsDev     bool
	IsDefault bool
}

// Cache holds the rules, dev hosts, and team overrides the classifier
// evaluates. Reload builds a fresh snapshot and swaps it in atomically;
// a failed reload keeps the previous snapshot serving.
type Cache struct {
	store  Store
	snap   atomic.Pointer[snapshot]
	logger zerolog.Logger
}

// NewCache creates an empty cache. Classify fails until the first
// successful Reload.
func NewCache(st Store) *Cache {
	return &Cache{
		store:  st,
		logger: log.WithComponent("rule_cache"),
	}
}

// Reload rebuilds the snapshot from live store state. Rules arrive from
// the store already in evaluation order. A regex rule whose pattern no
// longer compiles is skipped with an error log rather than failing the
// whole load; the rule simply stops matching until it is fixed.
func (c *Cache) Reload(ctx context.Context) error {
	rules, err := c.store.ListRules(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	devHosts, err := c.store.ListDevHosts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dev hosts: %w", err)
	}
	overrides, err := c.store.ListTeamOverrides(ctx)
	if err != nil {
		return fmt.Errorf("failed to load team overrides: %w", err)
	}

	snap := &snapshot{
		devHosts: lo.SliceToMap(devHosts, func(h *types.DevHost) (string, struct{}) {
			return h.Hostname, struct{}{}
		}),
		teams: lo.SliceToMap(overrides, func(o *types.TeamOverride) (string, string) {
			return o.Hostname, o.Team
		}),
		loadedAt: time.Now().UTC(),
	}
	for _, rule := range rules {
		if rule.IsDefault() {
			snap.defaultRule = rule
			continue
		}
		cr := &compiledRule{rule: rule}
		if rule.MatchType == types.MatchRegex {
			re, err := regexp.Compile(rule.MatchString)
			if err != nil {
				c.logger.Error().Err(err).
					Int64("rule_id", rule.ID).
					Str("rule_name", rule.Name).
					Msg("skipping rule with invalid regex")
				continue
			}
			cr.re = re
		}
		snap.rules = append(snap.rules, cr)
	}
	if snap.defaultRule == nil {
		return fmt.Errorf("default rule missing from store")
	}

	c.snap.Store(snap)
	c.logger.Debug().
		Int("rules", len(snap.rules)).
		Int("dev_hosts", len(snap.devHosts)).
		Int("team_overrides", len(snap.teams)).
		Msg("rule cache reloaded")
	return nil
}

// Classify resolves an event against the current snapshot. Non-default
// rules are tried in order and the first match wins; the default rule
// applies only when nothing matched and is never pattern-evaluated.
func (c *Cache) Classify(env *types.Envelope) (*Classification, error) {
	snap := c.snap.Load()
	if snap == nil {
		return nil, fmt.Errorf("rule cache not loaded")
	}

	rule := snap.defaultRule
	isDefault := true
	for _, cr := range snap.rules {
		if cr.matches(env) {
			rule = cr.rule
			isDefault = false
			break
		}
	}

	_, isDev := snap.devHosts[env.Hostname]
	team := rule.TeamAssignment
	if override, ok := snap.teams[env.Hostname]; ok {
		team = override
	}

	return &Classification{
		Rule:      rule,
		Handling:  rule.HandlingFor(isDev),
		Team:      team,
		IsDev:     isDev,
		IsDefault: isDefault,
	}, nil
}

// LoadedAt returns when the current snapshot was built, zero when the
// cache has never loaded.
func (c *Cache) LoadedAt() time.Time {
	if snap := c.snap.Load(); snap != nil {
		return snap.loadedAt
	}
	return time.Time{}
}
