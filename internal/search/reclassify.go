package search

import (
	"context"
	"strconv"

	"github.com/blockedby/tg-crawler/internal/classifier"
	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// ReclassifyReport summarizes a reclassification pass.
type ReclassifyReport struct {
	Checked  int `json:"checked"`
	Updated  int `json:"updated"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// Reclassifier refines stored entities whose type, language or category is
// still unknown. Identity fields are never touched.
type Reclassifier struct {
	platform   telegram.Platform
	entities   *store.EntityStore
	classifier *classifier.Classifier
	log        *logger.Logger
}

// NewReclassifier creates a reclassifier.
func NewReclassifier(platform telegram.Platform, entities *store.EntityStore, tables config.KeywordTables, log *logger.Logger) *Reclassifier {
	return &Reclassifier{
		platform:   platform,
		entities:   entities,
		classifier: classifier.New(tables),
		log:        logger.OrNop(log).Component("reclassify"),
	}
}

// Run processes every entity needing classification.
func (r *Reclassifier) Run(ctx context.Context) (*ReclassifyReport, error) {
	report := &ReclassifyReport{}
	for _, e := range r.entities.All() {
		if !e.NeedsClassification() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		changed, err := r.refine(ctx, e, report)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			r.log.Warn().Err(err).Int64("entity_id", e.ID).Msg("reclassify: entity failed")
			report.Failed++
		}
		if changed {
			report.Updated++
		}
	}

	r.log.Info().
		Int("checked", report.Checked).
		Int("updated", report.Updated).
		Int("failed", report.Failed).
		Msg("reclassify: pass finished")
	return report, nil
}

// refine resolves the entity once (when its type is unknown or its
// description is missing) and then reruns the text detectors.
func (r *Reclassifier) refine(ctx context.Context, e models.Entity, report *ReclassifyReport) (bool, error) {
	changed := false
	update := func(field, value string) error {
		if err := r.entities.Update(ctx, e.ID, field, value); err != nil {
			return err
		}
		changed = true
		return nil
	}

	var resolveErr error
	if e.Type == models.EntityUnknown || e.Type == "" || e.Description == "" {
		raw, err := r.platform.ResolveEntity(ctx, e.Ref())
		if err != nil {
			// text classification below still works from persisted fields
			resolveErr = err
		} else {
			report.Resolved++
			if t := classifier.ClassifyType(raw.Flags); (e.Type == models.EntityUnknown || e.Type == "") && t != models.EntityUnknown {
				if err := update(store.ColType, string(t)); err != nil {
					return changed, err
				}
				e.Type = t
			}
			if raw.MembersCount > 0 && raw.MembersCount != e.MembersCount {
				if err := update(store.ColMembersCount, strconv.Itoa(raw.MembersCount)); err != nil {
					return changed, err
				}
			}
			if e.Description == "" {
				meta, err := r.platform.GetFullMetadata(ctx, raw)
				if err != nil {
					resolveErr = err
				} else if meta.About != "" {
					if err := update(store.ColDescription, meta.About); err != nil {
						return changed, err
					}
					e.Description = meta.About
				}
			}
		}
	}

	if e.Language == models.Unknown || e.Language == "" {
		if lang := r.classifier.DetectLanguage(e.Title + "\n" + e.Description); lang != models.Unknown {
			if err := update(store.ColLanguage, lang); err != nil {
				return changed, err
			}
		}
	}
	if e.Category == models.Unknown || e.Category == "" {
		if cat := r.classifier.DetectCategory(e.Title, e.Description); cat != models.Unknown {
			if err := update(store.ColCategory, cat); err != nil {
				return changed, err
			}
		}
	}
	return changed, resolveErr
}
