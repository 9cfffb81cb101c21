package extraction

import (
	"context"
	"errors"

	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// reactionsStrategy records users reacting to or replying under recent posts.
type reactionsStrategy struct {
	platform telegram.Platform
	opts     Options
	log      *logger.Logger
}

func (s *reactionsStrategy) Name() string { return StrategyReactions }

func (s *reactionsStrategy) Run(ctx context.Context, t *Target, rec *Recorder) error {
	msgs := t.messages
	if len(msgs) == 0 {
		var err error
		msgs, err = s.platform.GetMessages(ctx, t.Raw, 0, max(1, min(s.opts.ReactionMessages, 100)))
		if err != nil {
			return err
		}
		t.messages = msgs
	}
	if len(msgs) > s.opts.ReactionMessages {
		msgs = msgs[:s.opts.ReactionMessages]
	}

	reactorsOK, repliesOK := true, true
	for _, m := range msgs {
		if err := rec.RecordAll(ctx, m.RecentReactors, models.ParticipationActive); err != nil {
			return err
		}

		if reactorsOK && m.Reactions > len(m.RecentReactors) {
			users, err := s.platform.GetReactors(ctx, t.Raw, m.ID, s.opts.ReactorsPerMessage)
			switch {
			case err == nil:
				if err := rec.RecordAll(ctx, users, models.ParticipationActive); err != nil {
					return err
				}
			case stopFor(ctx, err):
				return err
			case errors.Is(err, telegram.ErrPrivateOrForbidden):
				// reactor lists are hidden for this entity; stop asking
				reactorsOK = false
			default:
				s.log.Debug().Err(err).Int("msg_id", m.ID).Msg("extraction: reactors unavailable")
			}
		}

		if repliesOK && m.Replies > 0 {
			replies, err := s.platform.GetReplies(ctx, t.Raw, m.ID, s.opts.MessagePageSize)
			switch {
			case err == nil:
				for _, r := range replies {
					if err := recordMessage(ctx, r, rec); err != nil {
						return err
					}
				}
			case stopFor(ctx, err):
				return err
			case errors.Is(err, telegram.ErrPrivateOrForbidden):
				repliesOK = false
			default:
				s.log.Debug().Err(err).Int("msg_id", m.ID).Msg("extraction: replies unavailable")
			}
		}
	}
	return nil
}
