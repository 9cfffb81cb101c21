package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/nats"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print discovery events from NATS as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			consumer, _ := cmd.Flags().GetString("consumer")
			subject, _ := cmd.Flags().GetString("subject")

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.NatsURL == "" {
				return errors.New("NATS_URL is not set")
			}

			ctx, cancel := signalContext()
			defer cancel()

			nc, err := nats.New(ctx, cfg.NatsURL, log)
			if err != nil {
				return err
			}
			defer nc.Close()
			if err := nc.EnsureDiscoveryStream(ctx); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			cc, err := nc.Subscribe(ctx, nats.DiscoveryStream, consumer, subject, func(subj string, data []byte) error {
				return printEvent(w, subj, data)
			})
			if err != nil {
				return err
			}
			defer cc.Stop()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().String("consumer", "crawler-watch", "Durable consumer name")
	cmd.Flags().String("subject", "", "Subject filter (empty for every discovery subject)")
	return cmd
}

func printEvent(w io.Writer, subject string, data []byte) error {
	switch subject {
	case models.SubjectEntitiesDiscovered:
		var ev models.EntityDiscoveredEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		fmt.Fprintf(w, "entity  %d @%s %q type=%s category=%s language=%s\n",
			ev.EntityID, ev.Username, ev.Title, ev.Type, ev.Category, ev.Language)
	case models.SubjectMembersDiscovered:
		var ev models.MembersDiscoveredEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		fmt.Fprintf(w, "members %d +%d confirmed +%d probable status=%s\n",
			ev.EntityID, ev.NewMembers, ev.NewProbable, ev.Status)
	default:
		fmt.Fprintf(w, "%s %s\n", subject, data)
	}
	return nil
}
