// Package router picks a model and provider for each phase execution.
// Required capability tags are resolved from task metadata, the work-type
// classification, and the long-context and escalation triggers; candidates
// come from the merged catalog and are filtered before ranking by the
// allow-list and the banned-provider set. Per-provider circuit breakers
// exclude providers that keep failing.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/task"
)

// ErrNoCandidate means filtering and breaker exclusions left no model to
// pick. The task stays queued; this is a capacity problem, not a task
// failure.
var ErrNoCandidate = errors.New("no model candidate available")

// Options carries the per-call routing inputs.
type Options struct {
	TaskID        string
	AgentID       string
	ContextTokens int
	CorrelationID string
}

// Decision is the routing outcome, recorded as a model_selected event and
// returned unchanged on correlation-id replays.
type Decision struct {
	Model         string   `json:"model"`
	Provider      string   `json:"provider"`
	Source        string   `json:"source"`
	RequestedTags []string `json:"requested_tags"`
	MatchedTags   []string `json:"matched_tags,omitempty"`
	Justification string   `json:"justification"`
}

// Router resolves capability tags and ranks catalog candidates.
type Router struct {
	store    persistence.Store
	bus      *events.Bus
	log      *logging.Logger
	cfg      config.RouterConfig
	catalog  []candidate
	breakers *breakerRegistry
	allowed  map[string]bool
	banned   map[string]bool
}

// New loads the catalog and builds the provider breaker registry. The bus
// is optional.
func New(store persistence.Store, bus *events.Bus, log *logging.Logger, cfg config.RouterConfig) (*Router, error) {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(cfg.AllowedModels))
	for _, m := range cfg.AllowedModels {
		allowed[m] = true
	}
	banned := make(map[string]bool, len(cfg.BannedProviders))
	for _, p := range cfg.BannedProviders {
		banned[p] = true
	}

	rlog := log.Named("router")
	return &Router{
		store:    store,
		bus:      bus,
		log:      rlog,
		cfg:      cfg,
		catalog:  catalog,
		breakers: newBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown, rlog),
		allowed:  allowed,
		banned:   banned,
	}, nil
}

// PickModel selects a model for running the given phase. Ranking is by
// matched tag count with catalog order breaking ties; providers with an
// open breaker are skipped even when top-ranked.
func (r *Router) PickModel(ctx context.Context, phase task.Phase, opts Options) (*Decision, error) {
	var t *task.Task
	if opts.TaskID != "" {
		var err error
		t, err = r.store.GetTask(ctx, opts.TaskID)
		if err != nil {
			return nil, err
		}
	}

	requested, reasons, err := r.resolveTags(ctx, t, phase, opts)
	if err != nil {
		return nil, err
	}

	ranked := r.rank(requested, opts.ContextTokens)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: filters left nothing for tags %s", ErrNoCandidate, strings.Join(requested, ","))
	}

	var skipped []string
	for _, sc := range ranked {
		if r.breakers.isOpen(sc.Provider) {
			skipped = append(skipped, sc.Provider)
			continue
		}
		return r.accept(ctx, phase, opts, sc, requested, reasons, skipped)
	}
	return nil, fmt.Errorf("%w: all candidate providers have open breakers (%s)", ErrNoCandidate, strings.Join(skipped, ","))
}

// RecordProviderFailure feeds one reported failure into the provider's
// breaker and records it for audit. A replay of the same correlation id
// does not feed the breaker twice.
func (r *Router) RecordProviderFailure(ctx context.Context, phase task.Phase, provider string, statusCode int, opts Options) error {
	if provider == "" {
		return errors.New("provider is required")
	}

	ev := task.Event{
		Type:          task.EventProviderFailure,
		TaskID:        opts.TaskID,
		AgentID:       opts.AgentID,
		CorrelationID: opts.CorrelationID,
		Payload: map[string]any{
			"phase":       string(phase),
			"provider":    provider,
			"status_code": statusCode,
		},
	}
	replayed, _, err := r.store.AppendEventDeduped(ctx, ev, nil)
	if err != nil {
		return err
	}
	if replayed {
		return nil
	}

	r.breakers.recordFailure(provider)
	r.publish(ev)
	r.log.Warn("provider failure recorded",
		zap.String("provider", provider),
		zap.String("phase", string(phase)),
		zap.Int("status_code", statusCode),
	)
	return nil
}

// RecordProviderSuccess closes the loop after a successful run.
func (r *Router) RecordProviderSuccess(provider string) {
	if provider == "" {
		return
	}
	r.breakers.recordSuccess(provider)
}

// OpenBreakers lists providers currently excluded by an open breaker.
func (r *Router) OpenBreakers() []string {
	return r.breakers.openProviders()
}

// resolveTags assembles the requested tags: explicit metadata tags when
// pinned, otherwise the work-type classification, plus the long-context
// trigger and the escalation trigger.
func (r *Router) resolveTags(ctx context.Context, t *task.Task, phase task.Phase, opts Options) (tags, reasons []string, err error) {
	if explicit := explicitTags(t); len(explicit) > 0 {
		tags = explicit
		reasons = append(reasons, fmt.Sprintf("tags %s pinned in task metadata", strings.Join(explicit, ",")))
	} else {
		workType, stage := classifyWorkType(t, phase)
		tags = append(tags, workType)
		reasons = append(reasons, fmt.Sprintf("work type %s via %s", workType, stage))
	}

	if r.cfg.LongContextTokens > 0 && opts.ContextTokens > r.cfg.LongContextTokens {
		tags = appendMissing(tags, TagLongContext)
		reasons = append(reasons, fmt.Sprintf("%d context tokens exceed the %d threshold", opts.ContextTokens, r.cfg.LongContextTokens))
	}

	if t != nil && r.cfg.EscalationFailures > 0 {
		failures, err := r.store.CountTaskEvents(ctx, t.ID, task.EventVerificationFailed)
		if err != nil {
			return nil, nil, err
		}
		if failures >= r.cfg.EscalationFailures {
			tags = appendMissing(tags, TagHighReasoning)
			reasons = append(reasons, fmt.Sprintf("escalated after %d verification failures", failures))
		}
	}

	return tags, reasons, nil
}

type scored struct {
	candidate
	matched []string
}

// rank filters by allow-list, banned providers, and context fit, then
// orders by matched tag count. The stable sort keeps catalog order for
// equal scores.
func (r *Router) rank(requested []string, contextTokens int) []scored {
	want := make(map[string]bool, len(requested))
	for _, tag := range requested {
		want[tag] = true
	}

	var out []scored
	for _, c := range r.catalog {
		if len(r.allowed) > 0 && !r.allowed[c.Model] {
			continue
		}
		if r.banned[c.Provider] {
			continue
		}
		if c.MaxContextTokens > 0 && contextTokens > c.MaxContextTokens {
			continue
		}
		var matched []string
		for _, tag := range c.Tags {
			if want[tag] {
				matched = append(matched, tag)
			}
		}
		out = append(out, scored{candidate: c, matched: matched})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].matched) > len(out[j].matched)
	})
	return out
}

// accept records and returns the decision. A correlation-id replay returns
// the first recorded decision instead of this one.
func (r *Router) accept(ctx context.Context, phase task.Phase, opts Options, sc scored, requested, reasons, skipped []string) (*Decision, error) {
	justification := strings.Join(reasons, "; ")
	if len(sc.matched) > 0 {
		justification += fmt.Sprintf("; %s matches %s", sc.Model, strings.Join(sc.matched, ","))
	} else {
		justification += fmt.Sprintf("; no tag matches, %s is the first allowed candidate", sc.Model)
	}
	if len(skipped) > 0 {
		justification += fmt.Sprintf("; skipped open-breaker providers %s", strings.Join(skipped, ","))
	}

	d := &Decision{
		Model:         sc.Model,
		Provider:      sc.Provider,
		Source:        sc.source,
		RequestedTags: requested,
		MatchedTags:   sc.matched,
		Justification: justification,
	}

	snapshot, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode decision: %w", err)
	}
	ev := task.Event{
		Type:          task.EventModelSelected,
		TaskID:        opts.TaskID,
		AgentID:       opts.AgentID,
		CorrelationID: opts.CorrelationID,
		Payload: map[string]any{
			"phase":          string(phase),
			"model":          d.Model,
			"provider":       d.Provider,
			"source":         d.Source,
			"requested_tags": requested,
			"justification":  justification,
		},
	}
	replayed, stored, err := r.store.AppendEventDeduped(ctx, ev, snapshot)
	if err != nil {
		return nil, err
	}
	if replayed && len(stored) > 0 {
		var prior Decision
		if err := json.Unmarshal(stored, &prior); err != nil {
			return nil, fmt.Errorf("failed to decode replayed decision: %w", err)
		}
		return &prior, nil
	}
	r.publish(ev)

	r.log.Info("model selected",
		zap.String("task", opts.TaskID),
		zap.String("phase", string(phase)),
		zap.String("model", d.Model),
		zap.String("provider", d.Provider),
		zap.String("source", d.Source),
		zap.Strings("requested_tags", requested),
		zap.String("justification", justification),
	)
	return d, nil
}

func (r *Router) publish(ev task.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

func appendMissing(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
