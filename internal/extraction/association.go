package extraction

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/blockedby/tg-crawler/internal/classifier"
	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// associationStrategy searches for entities related to the target by its own
// keywords and samples their participants as probable members.
type associationStrategy struct {
	platform   telegram.Platform
	classifier *classifier.Classifier
	opts       Options
	log        *logger.Logger
}

type candidate struct {
	raw   telegram.RawEntity
	score float64
	order int
}

func (s *associationStrategy) Name() string { return StrategyAssociation }

func (s *associationStrategy) Run(ctx context.Context, t *Target, rec *Recorder) error {
	if s.opts.AssociationKeywords <= 0 || s.opts.AssociationRelated <= 0 {
		return ErrNotApplicable
	}
	text := strings.Join([]string{t.Entity.Title, t.Entity.Description, t.Entity.Username}, " ")
	keywords := s.classifier.ExtractKeywords(text, s.opts.AssociationKeywords)
	if len(keywords) == 0 {
		return ErrNotApplicable
	}

	exclude := map[int64]bool{t.Entity.ID: true, t.Raw.ID: true}
	if meta, err := t.Metadata(ctx, s.platform); err == nil && meta.LinkedChatID != 0 {
		exclude[meta.LinkedChatID] = true
	} else if err != nil && stopFor(ctx, err) {
		return err
	}

	found := make(map[int64]*candidate)
	for _, kw := range keywords {
		results, err := s.platform.SearchEntities(ctx, kw, 50)
		if err != nil {
			if stopFor(ctx, err) {
				return err
			}
			s.log.Debug().Err(err).Str("keyword", kw).Msg("extraction: association search failed")
			continue
		}
		for _, r := range results {
			if exclude[r.ID] || found[r.ID] != nil || !listable(r.Flags) {
				continue
			}
			score := classifier.Coverage(keywords, r.Title+" "+r.Username)
			if score < s.opts.AssociationMinScore {
				continue
			}
			found[r.ID] = &candidate{raw: r, score: score, order: len(found)}
		}
	}

	ranked := make([]*candidate, 0, len(found))
	for _, c := range found {
		ranked = append(ranked, c)
	}
	slices.SortFunc(ranked, func(a, b *candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return a.order - b.order
	})
	if len(ranked) > s.opts.AssociationRelated {
		ranked = ranked[:s.opts.AssociationRelated]
	}

	for _, c := range ranked {
		users, err := s.platform.ListParticipants(ctx, &c.raw, telegram.ParticipantFilter{Kind: telegram.FilterRecent},
			0, s.opts.AssociationSampleSize)
		if err != nil {
			if stopFor(ctx, err) {
				return err
			}
			if !errors.Is(err, telegram.ErrPrivateOrForbidden) {
				s.log.Debug().Err(err).Int64("related_id", c.raw.ID).Msg("extraction: related entity unavailable")
			}
			continue
		}
		for _, u := range users {
			if _, err := rec.RecordProbable(ctx, u); err != nil {
				return err
			}
		}
	}
	return nil
}

// listable reports whether participants of an entity with flags can be listed.
func listable(f telegram.EntityFlags) bool {
	return f.Megagroup || f.Gigagroup || f.Forum || f.ChatLike || !f.Broadcast
}
