package extraction

import (
	"context"
	"errors"
	"strconv"

	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// linkedStrategy mines the discussion chat linked to a channel. Members found
// there are attributed to the channel.
type linkedStrategy struct {
	platform telegram.Platform
	chain    []Strategy
	log      *logger.Logger
}

func (s *linkedStrategy) Name() string { return StrategyLinked }

func (s *linkedStrategy) Run(ctx context.Context, t *Target, rec *Recorder) error {
	if t.Linked {
		return ErrNotApplicable
	}
	meta, err := t.Metadata(ctx, s.platform)
	if err != nil {
		return err
	}
	if meta.LinkedChatID == 0 {
		return ErrNotApplicable
	}

	raw, err := s.platform.ResolveEntity(ctx, strconv.FormatInt(meta.LinkedChatID, 10))
	if err != nil {
		return err
	}
	sub := &Target{Entity: t.Entity, Raw: raw, Linked: true}

	var errs []error
	for _, st := range s.chain {
		err := st.Run(ctx, sub, rec)
		switch {
		case err == nil, errors.Is(err, ErrNotApplicable):
		case stopFor(ctx, err):
			return err
		default:
			s.log.Debug().Err(err).Str("sub_strategy", st.Name()).Int64("linked_id", raw.ID).
				Msg("extraction: linked chat sub-strategy failed")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(s.chain) {
		return errors.Join(errs...)
	}
	return nil
}
