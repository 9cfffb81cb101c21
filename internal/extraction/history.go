package extraction

import (
	"context"
	"errors"

	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// historyStrategy mines senders, forward origins and mentions from recent
// messages.
type historyStrategy struct {
	platform telegram.Platform
	opts     Options
	log      *logger.Logger
}

func (s *historyStrategy) Name() string { return StrategyHistory }

func (s *historyStrategy) Run(ctx context.Context, t *Target, rec *Recorder) error {
	var mentions []string
	offsetID := 0
	for page := 0; page < s.opts.MessagePages; page++ {
		msgs, err := s.platform.GetMessages(ctx, t.Raw, offsetID, s.opts.MessagePageSize)
		if err != nil {
			return err
		}
		t.messages = append(t.messages, msgs...)

		for _, m := range msgs {
			if err := recordMessage(ctx, m, rec); err != nil {
				return err
			}
			mentions = append(mentions, m.Mentions...)
		}
		if len(msgs) < s.opts.MessagePageSize {
			break
		}
		offsetID = msgs[len(msgs)-1].ID
	}

	return s.resolveMentions(ctx, mentions, rec)
}

func recordMessage(ctx context.Context, m telegram.RawMessage, rec *Recorder) error {
	if m.Sender != nil {
		if _, err := rec.Record(ctx, *m.Sender, models.ParticipationActive); err != nil {
			return err
		}
	}
	if m.Forwarded != nil {
		if _, err := rec.Record(ctx, *m.Forwarded, models.ParticipationForwarded); err != nil {
			return err
		}
	}
	return rec.RecordAll(ctx, m.MentionedUsers, models.ParticipationActive)
}

// resolveMentions resolves up to MentionResolves distinct plain @mentions.
func (s *historyStrategy) resolveMentions(ctx context.Context, mentions []string, rec *Recorder) error {
	done := make(map[string]bool)
	for _, name := range mentions {
		if len(done) >= s.opts.MentionResolves {
			break
		}
		if done[name] {
			continue
		}
		done[name] = true

		u, err := s.platform.ResolveUser(ctx, name)
		if err != nil {
			if stopFor(ctx, err) {
				return err
			}
			// mentions of channels or deleted accounts do not resolve to users
			if !errors.Is(err, telegram.ErrNotFound) {
				s.log.Debug().Err(err).Str("mention", name).Msg("extraction: mention not resolved")
			}
			continue
		}
		if _, err := rec.Record(ctx, *u, models.ParticipationActive); err != nil {
			return err
		}
	}
	return nil
}
