// Package crawler wires stores, the governed platform and the crawl
// components into a session, and exposes it through a run manager and an
// HTTP control API.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/extraction"
	"github.com/blockedby/tg-crawler/internal/join"
	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/search"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// Publisher receives discovery events.
type Publisher interface {
	search.EventPublisher
	extraction.EventPublisher
}

// Session owns the stores for its lifetime and shares one governor between
// every component, so flood-wait cooldowns are visible to all workers.
type Session struct {
	cfg      *config.Config
	entities *store.EntityStore
	members  *store.MemberStore
	probable *store.MemberStore

	governed *telegram.Governed
	search   *search.Orchestrator
	reclass  *search.Reclassifier
	pipeline *extraction.Pipeline
	joiner   *join.Manager

	clock     clock.Clock
	log       *logger.Logger
	closeOnce sync.Once
}

// Open loads the CSV stores from cfg.DataDir and builds the components. A
// corrupt store file fails the whole session.
func Open(cfg *config.Config, platform telegram.Platform, pub Publisher, clk clock.Clock, log *logger.Logger) (*Session, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	log = logger.OrNop(log)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Session{cfg: cfg, clock: clk, log: log.Component("session")}
	var err error
	if s.entities, err = store.OpenEntityStore(filepath.Join(cfg.DataDir, store.EntitiesFile), log); err != nil {
		return nil, err
	}
	if s.members, err = store.OpenMemberStore(filepath.Join(cfg.DataDir, store.MembersFile), log); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.probable, err = store.OpenMemberStore(filepath.Join(cfg.DataDir, store.ProbableMembersFile), log); err != nil {
		_ = s.Close()
		return nil, err
	}

	gov := telegram.NewGovernor(telegram.GovernorOptions{
		RPS:                 cfg.Crawl.RateRPS,
		Burst:               cfg.Crawl.RateBurst,
		MaxTransientRetries: cfg.Crawl.MaxTransientRetries,
		Clock:               clk,
		Log:                 log,
	})
	s.governed = telegram.NewGoverned(platform, gov)

	s.search = search.NewOrchestrator(s.governed, s.entities, cfg.Keywords, search.OptionsFromConfig(cfg.Crawl), clk, log)
	s.reclass = search.NewReclassifier(s.governed, s.entities, cfg.Keywords, log)
	s.joiner = join.NewManager(s.governed, s.entities, cfg.Crawl.JoinVerifyDelay, clk, log)

	// extraction never blocks on a cooldown: a cooling operation ends the
	// strategy and the budget moves on
	s.pipeline, err = extraction.NewPipeline(
		s.governed.WithPolicy(telegram.PolicyFailFast),
		s.members, s.probable, cfg.Keywords,
		extraction.OptionsFromConfig(cfg.Crawl), clk, log,
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	if pub != nil {
		s.search.SetPublisher(pub)
		s.pipeline.SetPublisher(pub)
	}

	s.log.Info().
		Int("entities", s.entities.Len()).
		Int("members", s.members.Len()).
		Int("probable", s.probable.Len()).
		Str("data_dir", cfg.DataDir).
		Msg("session: stores loaded")
	return s, nil
}

// Close closes the stores. Pending writes finish first.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.entities != nil {
			errs = append(errs, s.entities.Close())
		}
		if s.members != nil {
			errs = append(errs, s.members.Close())
		}
		if s.probable != nil {
			errs = append(errs, s.probable.Close())
		}
	})
	return errors.Join(errs...)
}

// Governor returns the governor shared by the session's components.
func (s *Session) Governor() *telegram.Governor {
	return s.governed.Governor()
}

// Entities returns the entity store.
func (s *Session) Entities() *store.EntityStore { return s.entities }

// Members returns the confirmed member store.
func (s *Session) Members() *store.MemberStore { return s.members }

// Probable returns the probable member store.
func (s *Session) Probable() *store.MemberStore { return s.probable }

// SearchTerm searches one term.
func (s *Session) SearchTerm(ctx context.Context, term string, limit int) (*search.TermResult, error) {
	return s.search.SearchByTerm(ctx, term, limit)
}

// SearchCategory searches every term of a category.
func (s *Session) SearchCategory(ctx context.Context, name string) (*search.Report, error) {
	return s.search.SearchByCategory(ctx, name)
}

// SearchAll searches every category.
func (s *Session) SearchAll(ctx context.Context) (*search.Report, error) {
	return s.search.SearchAllCategories(ctx)
}

// SearchLanguage searches the terms of a language.
func (s *Session) SearchLanguage(ctx context.Context, code string) (*search.Report, error) {
	return s.search.SearchByLanguage(ctx, code)
}

// Reclassify refines entities with unknown classification.
func (s *Session) Reclassify(ctx context.Context) (*search.ReclassifyReport, error) {
	return s.reclass.Run(ctx)
}

// Join joins an entity.
func (s *Session) Join(ctx context.Context, ref string) (*join.Result, error) {
	return s.joiner.Join(ctx, ref)
}

// Extract runs the extraction pipeline on one entity, tracking it first when
// it is not stored yet. A budget <= 0 uses the configured strategy budget.
func (s *Session) Extract(ctx context.Context, ref string, budget time.Duration) (*extraction.Report, error) {
	if budget <= 0 {
		budget = s.cfg.Crawl.StrategyBudget
	}
	entity, err := s.search.Track(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", ref, err)
	}
	return s.pipeline.Run(ctx, entity, budget)
}

// ExtractMany extracts several references concurrently within the worker
// bound. Unresolvable references produce a failed report; the call only
// errors when ctx is done.
func (s *Session) ExtractMany(ctx context.Context, refs []string, budget time.Duration) ([]*extraction.Report, error) {
	reports := make([]*extraction.Report, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, ref := range refs {
		g.Go(func() error {
			report, err := s.Extract(gctx, ref, budget)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn().Err(err).Str("ref", ref).Msg("session: extraction failed")
				report = &extraction.Report{Status: extraction.StatusFailed, Title: ref, Error: err.Error()}
			}
			reports[i] = report
			return nil
		})
	}
	err := g.Wait()
	return compact(reports), err
}

// SweepOptions selects the entities of a sweep.
type SweepOptions struct {
	// Types limits the sweep to these entity types; empty means all types.
	Types []models.EntityType
	// PerEntity is the budget of each extraction; <= 0 uses the configured
	// strategy budget.
	PerEntity time.Duration
	// SkipExtracted skips entities that already have confirmed members.
	SkipExtracted bool
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Entities   int                  `json:"entities"`
	Extracted  int                  `json:"extracted"`
	NewMembers int                  `json:"new_members"`
	TimedOut   bool                 `json:"timed_out"`
	Reports    []*extraction.Report `json:"reports"`
}

// Sweep runs extraction over stored entities under a hard wall-clock budget.
// It returns when the budget ends even if extractions are still blocked on
// the platform; their partial results stay persisted.
func (s *Session) Sweep(ctx context.Context, budget time.Duration, opts SweepOptions) (*SweepReport, error) {
	targets := s.sweepTargets(opts)
	report := &SweepReport{Entities: len(targets)}
	if len(targets) == 0 {
		return report, nil
	}
	if budget <= 0 {
		report.TimedOut = true
		return report, nil
	}

	sweepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	perEntity := opts.PerEntity
	if perEntity <= 0 {
		perEntity = s.cfg.Crawl.StrategyBudget
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(sweepCtx)
	g.SetLimit(s.workers())
	for _, e := range targets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r, err := s.pipeline.Run(gctx, e, min(perEntity, remaining(gctx)))
			if r != nil {
				mu.Lock()
				report.Reports = append(report.Reports, r)
				report.NewMembers += r.NewMembers
				if err == nil {
					report.Extracted++
				}
				mu.Unlock()
			}
			return err
		})
	}
	err := g.Wait()

	if sweepCtx.Err() != nil && ctx.Err() == nil {
		report.TimedOut = true
		err = nil
	}
	s.log.Info().
		Int("entities", report.Entities).
		Int("extracted", report.Extracted).
		Int("new_members", report.NewMembers).
		Bool("timed_out", report.TimedOut).
		Msg("session: sweep done")
	return report, err
}

func (s *Session) sweepTargets(opts SweepOptions) []models.Entity {
	allowed := make(map[models.EntityType]bool, len(opts.Types))
	for _, t := range opts.Types {
		allowed[t] = true
	}
	var out []models.Entity
	for _, e := range s.entities.All() {
		if len(allowed) > 0 && !allowed[e.Type] {
			continue
		}
		if opts.SkipExtracted && s.members.CountForEntity(e.ID) > 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats summarizes the stores.
type Stats struct {
	Entities     int                       `json:"entities"`
	ByType       map[models.EntityType]int `json:"by_type"`
	ByCategory   map[string]int            `json:"by_category"`
	ByLanguage   map[string]int            `json:"by_language"`
	Members      store.MemberStats         `json:"members"`
	Probable     store.MemberStats         `json:"probable"`
	RegularUsers int                       `json:"regular_users"`
}

// Stats counts stored entities and members. RegularUsers counts distinct
// users that are not bots.
func (s *Session) Stats() Stats {
	st := Stats{
		ByType:     make(map[models.EntityType]int),
		ByCategory: make(map[string]int),
		ByLanguage: make(map[string]int),
		Members:    s.members.Stats(),
		Probable:   s.probable.Stats(),
	}
	for _, e := range s.entities.All() {
		st.Entities++
		st.ByType[e.Type]++
		st.ByCategory[e.Category]++
		st.ByLanguage[e.Language]++
	}
	regular := make(map[int64]struct{})
	for _, m := range s.members.All() {
		if !m.IsBot {
			regular[m.UserID] = struct{}{}
		}
	}
	st.RegularUsers = len(regular)
	return st
}

func (s *Session) workers() int {
	if n := s.cfg.Crawl.Workers; n > 0 {
		return n
	}
	return 1
}

// remaining is the time left until ctx's deadline.
func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Duration(math.MaxInt64)
	}
	return time.Until(deadline)
}

func compact[T any](items []*T) []*T {
	out := items[:0]
	for _, it := range items {
		if it != nil {
			out = append(out, it)
		}
	}
	return out
}
