package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/output"
	"github.com/scolaris/scolaris/internal/store"
	scsync "github.com/scolaris/scolaris/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Push queued changes and pull server updates",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		report, err := a.engine.Sync(ctx, a.tenantID)
		if errors.Is(err, scsync.ErrSyncInProgress) {
			return fmt.Errorf("another sync is already running")
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(report)
		}
		output.Success("Sync finished in %s", report.Duration.Round(time.Millisecond))
		output.Info("  acked: %d  pulled: %d", report.Acked, report.Pulled)
		if report.Failed > 0 || report.Deferred > 0 {
			output.Warning("%d failed, %d deferred; they will be retried", report.Failed, report.Deferred)
		}
		if report.Conflicts > 0 {
			output.Warning("%d new conflict(s); run 'scolaris conflicts' to resolve", report.Conflicts)
		}
		if report.Rejected > 0 {
			output.Warning("%d event(s) rejected by the server; run 'scolaris events --failed'", report.Rejected)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:     "events",
	Short:   "Inspect the outbox queue",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		failedOnly, _ := cmd.Flags().GetBool("failed")
		limit, _ := cmd.Flags().GetInt("limit")

		var events []models.OutboxEvent
		if failedOnly {
			events, err = a.store.FailedEvents(a.tenantID, limit)
		} else {
			events, err = a.store.PendingEvents(a.tenantID, time.Now().UTC().Add(24*time.Hour), limit)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(events)
		}
		if len(events) == 0 {
			output.Info("Queue empty")
			return nil
		}
		for i := range events {
			output.Event(&events[i])
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry <event-id>",
	Short:   "Requeue a failed event for transmission",
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.RequeueEvent(args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no failed event with id %s", args[0])
			}
			return err
		}
		output.Success("Event %s requeued", args[0])
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:     "discard <event-id>",
	Short:   "Drop a queued event without sending it",
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ev, err := a.store.EventByID(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no event with id %s", args[0])
		}
		if err != nil {
			return err
		}
		if err := a.store.DiscardEvent(ev.ID); err != nil {
			return err
		}
		output.Warning("Discarded %s event for %s; the local mirror may no longer match the server",
			string(ev.Operation), ev.EntityKey())
		return nil
	},
}

func init() {
	eventsCmd.Flags().Bool("failed", false, "only failed events")
	eventsCmd.Flags().Int("limit", 50, "maximum events to show")
	rootCmd.AddCommand(syncCmd, eventsCmd, retryCmd, discardCmd)
}
