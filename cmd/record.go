package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/output"
	"github.com/scolaris/scolaris/internal/store"
	scsync "github.com/scolaris/scolaris/internal/sync"
)

var putCmd = &cobra.Command{
	Use:     "put <entity-type> <entity-id> [json]",
	Short:   "Create or update a record",
	Long:    "Create or update a record. The JSON payload is taken from the argument, or from stdin when the argument is omitted or '-'. The write lands locally first and syncs later.",
	GroupID: "records",
	Args:    cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(args)
		if err != nil {
			return err
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		op := models.OpUpdate
		if _, err := a.store.GetRecord(a.tenantID, args[0], args[1]); errors.Is(err, store.ErrNotFound) {
			op = models.OpCreate
		}
		ev, err := a.engine.Record(a.tenantID, args[0], args[1], op, payload)
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(ev)
		}
		output.Success("Recorded %s %s/%s (event %s)", string(op), args[0], args[1], ev.ID[:8])
		return maybeSyncNow(cmd, a)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <entity-type> <entity-id>",
	Aliases: []string{"del"},
	Short:   "Delete a record",
	GroupID: "records",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ev, err := a.engine.Record(a.tenantID, args[0], args[1], models.OpDelete, nil)
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(ev)
		}
		output.Success("Recorded delete %s/%s (event %s)", args[0], args[1], ev.ID[:8])
		return maybeSyncNow(cmd, a)
	},
}

var listCmd = &cobra.Command{
	Use:     "list <entity-type>",
	Aliases: []string{"ls"},
	Short:   "List local records of one entity type",
	GroupID: "records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		dirtyOnly, _ := cmd.Flags().GetBool("dirty")
		var recs []models.MirrorRecord
		if dirtyOnly {
			recs, err = a.store.DirtyRecords(a.tenantID, args[0])
		} else {
			recs, err = a.store.ListRecords(a.tenantID, args[0])
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(recs)
		}
		if len(recs) == 0 {
			output.Info("No %s records", args[0])
			return nil
		}
		output.Title(fmt.Sprintf("%s (%d)", args[0], len(recs)))
		for i := range recs {
			output.Record(&recs[i])
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <entity-type> <entity-id>",
	Short:   "Show one local record",
	GroupID: "records",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.store.GetRecord(a.tenantID, args[0], args[1])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no %s record with id %s", args[0], args[1])
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(rec)
		}
		output.Title(args[0] + "/" + args[1])
		var pretty map[string]any
		if json.Unmarshal(rec.Payload, &pretty) == nil {
			output.JSON(pretty)
		} else {
			output.Info("%s", rec.Payload)
		}
		if rec.IsDirty {
			output.Warning("has local changes waiting to sync")
		} else if rec.LastSync != nil {
			output.Info("synced %s", output.RelativeTime(*rec.LastSync))
		}
		return nil
	},
}

var entitiesCmd = &cobra.Command{
	Use:     "entities",
	Short:   "List the known entity types",
	GroupID: "records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return output.JSON(models.EntityTypes)
		}
		for _, et := range models.EntityTypes {
			output.Info("%s", et)
		}
		return nil
	},
}

func readPayload(args []string) ([]byte, error) {
	if len(args) == 3 && args[2] != "-" {
		return []byte(args[2]), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	return data, nil
}

// maybeSyncNow runs a sync pass after a mutation when --sync is set. A
// failure is reported but never fails the command: the data is safe locally.
func maybeSyncNow(cmd *cobra.Command, a *app) error {
	now, _ := cmd.Flags().GetBool("sync")
	if !now {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	report, err := a.engine.Sync(ctx, a.tenantID)
	if err != nil && !errors.Is(err, scsync.ErrSyncInProgress) {
		output.Warning("sync failed, changes remain queued: %v", err)
		return nil
	}
	if report != nil && report.Acked > 0 {
		output.Info("synced %d event(s)", report.Acked)
	}
	return nil
}

func init() {
	putCmd.Flags().Bool("sync", false, "sync immediately after recording")
	deleteCmd.Flags().Bool("sync", false, "sync immediately after recording")
	listCmd.Flags().Bool("dirty", false, "only records with unsynced changes")
	rootCmd.AddCommand(putCmd, deleteCmd, listCmd, showCmd, entitiesCmd)
}
