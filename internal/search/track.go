package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// ManualTerm is the discovery term of entities added by reference instead of
// by search.
const ManualTerm = "manual"

// Track returns the stored entity for ref, resolving, classifying and
// persisting it first when it is unknown. The members filter does not apply.
func (o *Orchestrator) Track(ctx context.Context, ref string) (models.Entity, error) {
	if e, ok := o.lookup(ref); ok {
		return e, nil
	}

	raw, err := o.platform.ResolveEntity(ctx, ref)
	if err != nil {
		return models.Entity{}, err
	}
	if e, ok := o.entities.Get(raw.ID); ok {
		return e, nil
	}

	var meta *telegram.FullMetadata
	if o.opts.FetchMetadata {
		if meta, err = o.platform.GetFullMetadata(ctx, raw); err != nil {
			o.log.Warn().Err(err).Int64("entity_id", raw.ID).Msg("search: metadata unavailable")
			meta = nil
		}
	}

	entity := o.buildEntity(raw, meta, ManualTerm, hints{})
	added, err := o.entities.Add(ctx, entity)
	if errors.Is(err, store.ErrDuplicateUsername) {
		holder, _ := o.entities.ByUsername(raw.Username)
		o.log.Warn().Int64("entity_id", raw.ID).Int64("stored_id", holder.ID).Str("username", raw.Username).Msg("search: username already stored under another id")
		return models.Entity{}, fmt.Errorf("track %s: %w", ref, err)
	}
	if err != nil {
		return models.Entity{}, err
	}
	if !added {
		// stored concurrently; the first row wins
		stored, _ := o.entities.Get(raw.ID)
		return stored, nil
	}

	o.log.Info().Int64("entity_id", entity.ID).Str("ref", ref).Msg("search: entity tracked")
	if o.publisher != nil {
		if err := o.publisher.PublishEntityDiscovered(ctx, models.NewEntityDiscoveredEvent(entity)); err != nil {
			o.log.Warn().Err(err).Int64("entity_id", entity.ID).Msg("search: failed to publish event")
		}
	}
	return entity, nil
}

// lookup finds a stored entity by numeric id or username.
func (o *Orchestrator) lookup(ref string) (models.Entity, bool) {
	id, username := telegram.ParseRef(ref)
	if id != 0 {
		return o.entities.Get(id)
	}
	return o.entities.ByUsername(username)
}
