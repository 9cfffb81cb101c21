package extraction

import (
	"context"
	"errors"

	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// fallbackStrategy runs only when earlier strategies found few users: it
// lists admins, bots and then one participant search per alphabet rune.
type fallbackStrategy struct {
	platform telegram.Platform
	opts     Options
	log      *logger.Logger
}

func (s *fallbackStrategy) Name() string { return StrategyFallback }

func (s *fallbackStrategy) Run(ctx context.Context, t *Target, rec *Recorder) error {
	if rec.Seen() >= s.opts.FallbackThreshold {
		return ErrNotApplicable
	}
	if t.Raw.Flags.Broadcast && !t.Raw.Flags.Megagroup && !t.Raw.Flags.Gigagroup {
		return ErrNotApplicable
	}

	filters := []telegram.ParticipantFilter{
		{Kind: telegram.FilterAdmins},
		{Kind: telegram.FilterBots},
	}
	for _, r := range s.opts.FallbackAlphabet {
		filters = append(filters, telegram.ParticipantFilter{Kind: telegram.FilterSearch, Query: string(r)})
	}

	var failed int
	for _, f := range filters {
		err := listParticipants(ctx, s.platform, t.Raw, f, s.opts.ParticipantPageSize, s.opts.MaxParticipants, rec)
		switch {
		case err == nil:
		case stopFor(ctx, err):
			return err
		case errors.Is(err, telegram.ErrPrivateOrForbidden):
			return err
		default:
			failed++
			s.log.Debug().Err(err).Str("filter", f.Kind.String()).Str("query", f.Query).
				Msg("extraction: fallback filter failed")
		}
	}
	if failed == len(filters) {
		return errors.New("every fallback filter failed")
	}
	return nil
}
