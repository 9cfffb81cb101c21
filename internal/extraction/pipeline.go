// Package extraction discovers members of an entity through an ordered chain
// of strategies sharing a wall-clock budget.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockedby/tg-crawler/internal/classifier"
	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// ErrUnknownStrategy is returned for a strategy name that is not registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Status is the terminal status of a strategy or a whole extraction.
type Status string

// Status constants.
const (
	StatusCompleted         Status = "completed"
	StatusPartialTimeout    Status = "partial-timeout"
	StatusRateLimitedPaused Status = "rate-limited-paused"
	StatusFailed            Status = "failed"
	StatusSkipped           Status = "skipped"
)

// Strategy names.
const (
	StrategyDirect      = "direct"
	StrategyHistory     = "history"
	StrategyReactions   = "reactions"
	StrategyLinked      = "linked"
	StrategyAssociation = "association"
	StrategyFallback    = "fallback"
)

// EventPublisher receives extraction summaries.
type EventPublisher interface {
	PublishMembersDiscovered(ctx context.Context, event models.MembersDiscoveredEvent) error
}

// Options tunes the strategies.
type Options struct {
	ParticipantPageSize   int
	MaxParticipants       int
	MessagePageSize       int
	MessagePages          int
	MentionResolves       int
	ReactionMessages      int
	ReactorsPerMessage    int
	AssociationKeywords   int
	AssociationRelated    int
	AssociationMinScore   float64
	AssociationSampleSize int
	FallbackThreshold     int
	FallbackAlphabet      string
	// SufficientMembers stops the chain early once this many users were seen.
	SufficientMembers int
	Strategies        []string
}

// OptionsFromConfig maps crawl config to pipeline options.
func OptionsFromConfig(c config.CrawlConfig) Options {
	return Options{
		ParticipantPageSize:   c.ParticipantPageSize,
		MaxParticipants:       c.MaxParticipants,
		MessagePageSize:       c.MessagePageSize,
		MessagePages:          c.MessagePages,
		MentionResolves:       c.MentionResolves,
		ReactionMessages:      c.ReactionMessages,
		ReactorsPerMessage:    c.ReactorsPerMessage,
		AssociationKeywords:   c.AssociationKeywords,
		AssociationRelated:    c.AssociationRelated,
		AssociationMinScore:   c.AssociationMinScore,
		AssociationSampleSize: c.AssociationSampleSize,
		FallbackThreshold:     c.FallbackThreshold,
		FallbackAlphabet:      c.FallbackAlphabet,
		SufficientMembers:     c.SufficientMembers,
		Strategies:            c.Strategies,
	}
}

func (o *Options) defaults() {
	if o.ParticipantPageSize <= 0 {
		o.ParticipantPageSize = 200
	}
	if o.MaxParticipants <= 0 {
		o.MaxParticipants = 10000
	}
	if o.MessagePageSize <= 0 {
		o.MessagePageSize = 100
	}
	if o.MessagePages <= 0 {
		o.MessagePages = 1
	}
	if o.ReactorsPerMessage <= 0 {
		o.ReactorsPerMessage = 100
	}
	if o.AssociationSampleSize <= 0 {
		o.AssociationSampleSize = 100
	}
	if len(o.Strategies) == 0 {
		o.Strategies = config.DefaultStrategies
	}
}

// StrategyReport is the outcome of one strategy.
type StrategyReport struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	NewMembers  int           `json:"new_members"`
	NewProbable int           `json:"new_probable"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Report is the outcome of one extraction.
type Report struct {
	EntityID    int64            `json:"entity_id"`
	Title       string           `json:"title"`
	Status      Status           `json:"status"`
	NewMembers  int              `json:"new_members"`
	NewProbable int              `json:"new_probable"`
	Seen        int              `json:"seen"`
	Strategies  []StrategyReport `json:"strategies"`
	Error       string           `json:"error,omitempty"`
}

// Pipeline runs the configured strategies against one entity at a time. It
// is safe to run for different entities concurrently.
type Pipeline struct {
	platform   telegram.Platform
	members    *store.MemberStore
	probable   *store.MemberStore
	strategies []Strategy
	sufficient int
	publisher  EventPublisher
	clock      clock.Clock
	log        *logger.Logger
}

// NewPipeline builds the strategy chain in opts.Strategies order.
func NewPipeline(
	platform telegram.Platform,
	members, probable *store.MemberStore,
	tables config.KeywordTables,
	opts Options,
	clk clock.Clock,
	log *logger.Logger,
) (*Pipeline, error) {
	opts.defaults()
	if clk == nil {
		clk = clock.Real{}
	}
	log = logger.OrNop(log).Component("extraction")

	strategies, err := buildStrategies(platform, classifier.New(tables), opts, log)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		platform:   platform,
		members:    members,
		probable:   probable,
		strategies: strategies,
		sufficient: opts.SufficientMembers,
		clock:      clk,
		log:        log,
	}, nil
}

func buildStrategies(p telegram.Platform, c *classifier.Classifier, opts Options, log *logger.Logger) ([]Strategy, error) {
	out := make([]Strategy, 0, len(opts.Strategies))
	seen := make(map[string]bool)
	for _, name := range opts.Strategies {
		if seen[name] {
			continue
		}
		seen[name] = true

		var s Strategy
		switch name {
		case StrategyDirect:
			s = &directStrategy{platform: p, opts: opts}
		case StrategyHistory:
			s = &historyStrategy{platform: p, opts: opts, log: log}
		case StrategyReactions:
			s = &reactionsStrategy{platform: p, opts: opts, log: log}
		case StrategyLinked:
			s = &linkedStrategy{platform: p, log: log, chain: []Strategy{
				&directStrategy{platform: p, opts: opts},
				&historyStrategy{platform: p, opts: opts, log: log},
				&reactionsStrategy{platform: p, opts: opts, log: log},
			}}
		case StrategyAssociation:
			s = &associationStrategy{platform: p, classifier: c, opts: opts, log: log}
		case StrategyFallback:
			s = &fallbackStrategy{platform: p, opts: opts, log: log}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
		}
		out = append(out, s)
	}
	return out, nil
}

// SetPublisher sets the optional extraction event publisher.
func (p *Pipeline) SetPublisher(pub EventPublisher) {
	p.publisher = pub
}

// Strategies returns the strategy names in run order.
func (p *Pipeline) Strategies() []string {
	names := make([]string, len(p.strategies))
	for i, s := range p.strategies {
		names[i] = s.Name()
	}
	return names
}

// Run extracts members of entity within budget. Each remaining strategy gets
// an equal share of the remaining budget; a strategy overrunning its share is
// aborted and the chain moves on. Strategy failures never abort the chain.
// The returned error is non-nil only when ctx itself is done.
func (p *Pipeline) Run(ctx context.Context, entity models.Entity, budget time.Duration) (*Report, error) {
	report := &Report{EntityID: entity.ID, Title: entity.Title, Status: StatusCompleted}
	log := p.log.With().Int64("entity_id", entity.ID).Logger()

	if budget <= 0 {
		p.skipFrom(report, 0, "no budget")
		report.Status = StatusPartialTimeout
		return report, nil
	}

	deadline := p.clock.Now().Add(budget)
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	raw, err := p.platform.ResolveEntity(runCtx, entity.Ref())
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return report, ctx.Err()
		case runCtx.Err() != nil:
			report.Status = StatusPartialTimeout
		case telegram.IsRateLimited(err):
			report.Status = StatusRateLimitedPaused
		default:
			report.Status = StatusFailed
		}
		report.Error = err.Error()
		p.skipFrom(report, 0, "entity unavailable")
		log.Warn().Err(err).Msg("extraction: cannot resolve entity")
		return report, nil
	}

	target := &Target{Entity: entity, Raw: raw}
	rec := NewRecorder(entity, p.members, p.probable, p.clock)

	timedOut, limited := false, false
	for i, s := range p.strategies {
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 || runCtx.Err() != nil {
			if ctx.Err() != nil {
				p.finish(ctx, report, rec)
				return report, ctx.Err()
			}
			p.skipFrom(report, i, "budget exhausted")
			timedOut = true
			break
		}
		if p.sufficient > 0 && rec.Seen() >= p.sufficient {
			p.skipFrom(report, i, "enough members")
			break
		}

		share := remaining / time.Duration(len(p.strategies)-i)
		sr := p.runStrategy(runCtx, s, target, rec, share)
		report.Strategies = append(report.Strategies, sr)

		switch sr.Status {
		case StatusPartialTimeout:
			timedOut = true
		case StatusRateLimitedPaused:
			limited = true
		}
		if ctx.Err() != nil {
			p.finish(ctx, report, rec)
			return report, ctx.Err()
		}
	}

	switch {
	case timedOut:
		report.Status = StatusPartialTimeout
	case limited:
		report.Status = StatusRateLimitedPaused
	}
	p.finish(ctx, report, rec)

	log.Info().
		Str("status", string(report.Status)).
		Int("new_members", report.NewMembers).
		Int("new_probable", report.NewProbable).
		Int("seen", report.Seen).
		Msg("extraction: entity done")
	return report, nil
}

func (p *Pipeline) runStrategy(ctx context.Context, s Strategy, t *Target, rec *Recorder, share time.Duration) StrategyReport {
	sctx, cancel := context.WithTimeout(ctx, share)
	defer cancel()

	started := p.clock.Now()
	rec.begin(s.Name())
	err := s.Run(sctx, t, rec)

	sr := StrategyReport{Name: s.Name(), Status: StatusCompleted, Duration: since(p.clock, started)}
	sr.NewMembers, sr.NewProbable = rec.counts(s.Name())

	log := p.log.With().Int64("entity_id", t.Entity.ID).Str("strategy", s.Name()).Logger()
	switch {
	case err == nil:
	case errors.Is(err, ErrNotApplicable):
		sr.Status = StatusSkipped
		sr.Error = err.Error()
	case telegram.IsRateLimited(err):
		sr.Status = StatusRateLimitedPaused
		sr.Error = err.Error()
		log.Warn().Err(err).Msg("extraction: strategy rate limited")
	case sctx.Err() != nil && ctx.Err() == nil, errors.Is(err, context.DeadlineExceeded):
		sr.Status = StatusPartialTimeout
		sr.Error = "strategy budget exceeded"
		log.Warn().Dur("share", share).Msg("extraction: strategy overran its budget share")
	default:
		sr.Status = StatusFailed
		sr.Error = err.Error()
		log.Warn().Err(err).Msg("extraction: strategy failed")
	}

	log.Debug().
		Str("status", string(sr.Status)).
		Int("new_members", sr.NewMembers).
		Int("new_probable", sr.NewProbable).
		Msg("extraction: strategy finished")
	return sr
}

func (p *Pipeline) skipFrom(report *Report, from int, reason string) {
	for _, s := range p.strategies[from:] {
		report.Strategies = append(report.Strategies, StrategyReport{Name: s.Name(), Status: StatusSkipped, Error: reason})
	}
}

func (p *Pipeline) finish(ctx context.Context, report *Report, rec *Recorder) {
	report.NewMembers = rec.NewMembers()
	report.NewProbable = rec.NewProbable()
	report.Seen = rec.Seen()

	if p.publisher == nil || (report.NewMembers == 0 && report.NewProbable == 0) {
		return
	}
	byStrategy := make(map[string]int, len(report.Strategies))
	for _, sr := range report.Strategies {
		if sr.NewMembers > 0 {
			byStrategy[sr.Name] = sr.NewMembers
		}
	}
	event := models.MembersDiscoveredEvent{
		EntityID:    report.EntityID,
		Status:      string(report.Status),
		NewMembers:  report.NewMembers,
		NewProbable: report.NewProbable,
		ByStrategy:  byStrategy,
		FinishedAt:  p.clock.Now().UTC(),
	}
	// publish even when ctx is done; the event describes work already stored
	if err := p.publisher.PublishMembersDiscovered(context.WithoutCancel(ctx), event); err != nil {
		p.log.Warn().Err(err).Int64("entity_id", report.EntityID).Msg("extraction: failed to publish event")
	}
}
