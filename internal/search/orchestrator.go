// Package search discovers entities through platform search and keeps the
// entity store classified.
package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/blockedby/tg-crawler/internal/classifier"
	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

var (
	// ErrUnknownCategory is returned for a category missing from the keyword tables.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrUnknownLanguage is returned for a language missing from the keyword tables.
	ErrUnknownLanguage = errors.New("unknown language")
)

// EventPublisher receives newly persisted entities.
type EventPublisher interface {
	PublishEntityDiscovered(ctx context.Context, event models.EntityDiscoveredEvent) error
}

// Options tunes the orchestrator.
type Options struct {
	Limit         int
	MinMembers    int
	FetchMetadata bool
	DelayMin      time.Duration
	DelayMax      time.Duration
	// MaxPauses bounds how often one term may pause the loop on flood waits.
	MaxPauses int
}

// OptionsFromConfig maps crawl config to search options.
func OptionsFromConfig(c config.CrawlConfig) Options {
	return Options{
		Limit:         c.SearchLimit,
		MinMembers:    c.MinMembers,
		FetchMetadata: c.FetchMetadata,
		DelayMin:      c.SearchDelayMin,
		DelayMax:      c.SearchDelayMax,
		MaxPauses:     c.MaxRateLimitPauses,
	}
}

// TermResult is the outcome of one search term.
type TermResult struct {
	Term     string `json:"term"`
	Found    int    `json:"found"`
	New      int    `json:"new"`
	Skipped  int    `json:"skipped"`
	Filtered int    `json:"filtered"`
	Pauses   int    `json:"pauses"`
	Error    string `json:"error,omitempty"`

	Entities []models.Entity `json:"-"`
}

// Report aggregates a multi-term search.
type Report struct {
	Terms    []TermResult `json:"terms"`
	New      int          `json:"new"`
	Failed   int          `json:"failed"`
	Canceled bool         `json:"canceled"`
}

func (r *Report) add(res TermResult) {
	r.Terms = append(r.Terms, res)
	r.New += res.New
	if res.Error != "" {
		r.Failed++
	}
}

// Orchestrator runs search loops: search, skip known ids, classify and persist.
type Orchestrator struct {
	platform   telegram.Platform
	entities   *store.EntityStore
	classifier *classifier.Classifier
	tables     config.KeywordTables
	publisher  EventPublisher
	clock      clock.Clock
	opts       Options
	log        *logger.Logger
}

// NewOrchestrator creates an orchestrator. platform should be governed.
func NewOrchestrator(
	platform telegram.Platform,
	entities *store.EntityStore,
	tables config.KeywordTables,
	opts Options,
	clk clock.Clock,
	log *logger.Logger,
) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	return &Orchestrator{
		platform:   platform,
		entities:   entities,
		classifier: classifier.New(tables),
		tables:     tables,
		clock:      clk,
		opts:       opts,
		log:        logger.OrNop(log).Component("search"),
	}
}

// SetPublisher sets the optional discovery event publisher.
func (o *Orchestrator) SetPublisher(p EventPublisher) {
	o.publisher = p
}

// SearchByTerm searches one term. A limit <= 0 uses the configured limit.
func (o *Orchestrator) SearchByTerm(ctx context.Context, term string, limit int) (*TermResult, error) {
	if limit <= 0 {
		limit = o.opts.Limit
	}
	res := o.searchTerm(ctx, term, limit, hints{})
	if err := ctx.Err(); err != nil {
		return &res, err
	}
	return &res, nil
}

// SearchByCategory iterates the category's search terms.
func (o *Orchestrator) SearchByCategory(ctx context.Context, name string) (*Report, error) {
	cat, ok := o.tables.Category(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, name)
	}
	report := &Report{}
	err := o.runTerms(ctx, cat.Terms, hints{category: cat.Name}, report)
	return report, err
}

// SearchAllCategories runs SearchByCategory for every configured category.
func (o *Orchestrator) SearchAllCategories(ctx context.Context) (*Report, error) {
	report := &Report{}
	for i, cat := range o.tables.Categories {
		if i > 0 {
			if err := o.jitter(ctx); err != nil {
				report.Canceled = true
				return report, err
			}
		}
		o.log.Info().Str("category", cat.Name).Int("terms", len(cat.Terms)).Msg("search: category started")
		if err := o.runTerms(ctx, cat.Terms, hints{category: cat.Name}, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// SearchByLanguage iterates the language's search terms.
func (o *Orchestrator) SearchByLanguage(ctx context.Context, code string) (*Report, error) {
	lang, ok := o.tables.Language(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLanguage, code)
	}
	report := &Report{}
	err := o.runTerms(ctx, lang.SearchTerms, hints{language: lang.Code}, report)
	return report, err
}

// hints fill in classification the detectors could not decide.
type hints struct {
	category string
	language string
}

// runTerms searches terms in order with jitter between calls. Per-term errors
// are recorded and the loop continues; only cancellation stops it.
func (o *Orchestrator) runTerms(ctx context.Context, terms []string, h hints, report *Report) error {
	for i, term := range terms {
		if i > 0 {
			if err := o.jitter(ctx); err != nil {
				report.Canceled = true
				return err
			}
		}
		res := o.searchTerm(ctx, term, o.opts.Limit, h)
		report.add(res)
		if err := ctx.Err(); err != nil {
			report.Canceled = true
			return err
		}
	}
	return nil
}

func (o *Orchestrator) searchTerm(ctx context.Context, term string, limit int, h hints) TermResult {
	res := TermResult{Term: term}
	log := o.log.With().Str("term", term).Logger()

	var raws []telegram.RawEntity
	for {
		var err error
		raws, err = o.platform.SearchEntities(ctx, term, limit)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
			return res
		}

		rl, limited := telegram.AsRateLimited(err)
		if !limited || res.Pauses >= o.opts.MaxPauses {
			log.Error().Err(err).Msg("search: term failed, continuing")
			res.Error = err.Error()
			return res
		}
		res.Pauses++
		log.Warn().
			Int("wait_seconds", int(rl.RetryAfter/time.Second)).
			Int("pause", res.Pauses).
			Msg("search: rate limited, pausing loop")
		if err := o.clock.Sleep(ctx, rl.RetryAfter); err != nil {
			res.Error = err.Error()
			return res
		}
	}

	res.Found = len(raws)
	for i := range raws {
		if ctx.Err() != nil {
			break
		}
		entity, outcome := o.process(ctx, &raws[i], term, h)
		switch outcome {
		case outcomeNew:
			res.New++
			res.Entities = append(res.Entities, entity)
		case outcomeSkipped:
			res.Skipped++
		case outcomeFiltered:
			res.Filtered++
		}
	}

	log.Info().
		Int("found", res.Found).
		Int("new", res.New).
		Int("skipped", res.Skipped).
		Int("filtered", res.Filtered).
		Msg("search: term done")
	return res
}

type outcome int

const (
	outcomeNew outcome = iota
	outcomeSkipped
	outcomeFiltered
	outcomeFailed
)

func (o *Orchestrator) process(ctx context.Context, raw *telegram.RawEntity, term string, h hints) (models.Entity, outcome) {
	if o.entities.Exists(raw.ID) {
		return models.Entity{}, outcomeSkipped
	}
	if o.tooSmall(raw.MembersCount) {
		return models.Entity{}, outcomeFiltered
	}

	var meta *telegram.FullMetadata
	if o.opts.FetchMetadata {
		m, err := o.platform.GetFullMetadata(ctx, raw)
		if err != nil {
			o.log.Warn().Err(err).Int64("entity_id", raw.ID).Msg("search: metadata unavailable")
		} else {
			meta = m
			if raw.MembersCount == 0 && o.tooSmall(m.ParticipantsCount) {
				return models.Entity{}, outcomeFiltered
			}
		}
	}

	entity := o.buildEntity(raw, meta, term, h)
	added, err := o.entities.Add(ctx, entity)
	if errors.Is(err, store.ErrDuplicateUsername) {
		o.log.Warn().Err(err).Int64("entity_id", raw.ID).Str("username", raw.Username).Msg("search: username already stored under another id")
		return models.Entity{}, outcomeSkipped
	}
	if err != nil {
		o.log.Error().Err(err).Int64("entity_id", raw.ID).Msg("search: failed to persist entity")
		return models.Entity{}, outcomeFailed
	}
	if !added {
		return models.Entity{}, outcomeSkipped
	}

	o.log.Debug().
		Int64("entity_id", entity.ID).
		Str("type", string(entity.Type)).
		Str("category", entity.Category).
		Str("language", entity.Language).
		Msg("search: entity stored")

	if o.publisher != nil {
		if err := o.publisher.PublishEntityDiscovered(ctx, models.NewEntityDiscoveredEvent(entity)); err != nil {
			o.log.Warn().Err(err).Int64("entity_id", entity.ID).Msg("search: failed to publish event")
		}
	}
	return entity, outcomeNew
}

func (o *Orchestrator) tooSmall(members int) bool {
	return o.opts.MinMembers > 0 && members > 0 && members < o.opts.MinMembers
}

func (o *Orchestrator) buildEntity(raw *telegram.RawEntity, meta *telegram.FullMetadata, term string, h hints) models.Entity {
	e := models.Entity{
		ID:            raw.ID,
		Username:      raw.Username,
		Title:         raw.Title,
		Type:          classifier.ClassifyType(raw.Flags),
		MembersCount:  raw.MembersCount,
		IsPublic:      raw.IsPublic(),
		IsVerified:    raw.Verified,
		IsRestricted:  raw.Restricted,
		DiscoveryTerm: term,
		DiscoveryDate: o.clock.Now().UTC(),
	}
	if meta != nil {
		e.Description = meta.About
		e.InviteLink = meta.InviteLink
		if meta.ParticipantsCount > e.MembersCount {
			e.MembersCount = meta.ParticipantsCount
		}
	}

	e.Language = o.classifier.DetectLanguage(e.Title + "\n" + e.Description)
	if e.Language == models.Unknown && h.language != "" {
		e.Language = h.language
	}
	e.Category = o.classifier.DetectCategory(e.Title, e.Description)
	if e.Category == models.Unknown && h.category != "" {
		e.Category = h.category
	}
	return e
}

// jitter sleeps a random duration in [DelayMin, DelayMax].
func (o *Orchestrator) jitter(ctx context.Context) error {
	d := o.opts.DelayMin
	if spread := o.opts.DelayMax - o.opts.DelayMin; spread > 0 {
		d += time.Duration(rand.Int64N(int64(spread) + 1))
	}
	return o.clock.Sleep(ctx, d)
}
