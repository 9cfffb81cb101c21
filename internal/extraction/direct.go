package extraction

import (
	"context"

	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// directStrategy pages through the participant list.
type directStrategy struct {
	platform telegram.Platform
	opts     Options
}

func (s *directStrategy) Name() string { return StrategyDirect }

func (s *directStrategy) Run(ctx context.Context, t *Target, rec *Recorder) error {
	if t.Raw.Flags.Broadcast && !t.Raw.Flags.Megagroup && !t.Raw.Flags.Gigagroup {
		return ErrNotApplicable
	}
	return listParticipants(ctx, s.platform, t.Raw, telegram.ParticipantFilter{Kind: telegram.FilterRecent},
		s.opts.ParticipantPageSize, s.opts.MaxParticipants, rec)
}

// listParticipants pages a participant filter into rec until a short page or
// maxUsers users.
func listParticipants(
	ctx context.Context,
	p telegram.Platform,
	raw *telegram.RawEntity,
	filter telegram.ParticipantFilter,
	pageSize, maxUsers int,
	rec *Recorder,
) error {
	for offset := 0; offset < maxUsers; {
		limit := min(pageSize, maxUsers-offset)
		users, err := p.ListParticipants(ctx, raw, filter, offset, limit)
		if err != nil {
			return err
		}
		if err := rec.RecordAll(ctx, users, models.ParticipationActive); err != nil {
			return err
		}
		if len(users) < limit {
			return nil
		}
		offset += len(users)
	}
	return nil
}
