package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/scolaris/scolaris/internal/output"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show sync health for the tenant",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.store.RefreshCounters(a.tenantID)
		if err != nil {
			return err
		}

		remote, _ := cmd.Flags().GetBool("remote")
		type statusView struct {
			TenantID        string `json:"tenantId"`
			Pending         int64  `json:"pendingEvents"`
			Conflicts       int64  `json:"conflicts"`
			LastSyncAt      string `json:"lastSyncAt,omitempty"`
			LastSyncSuccess bool   `json:"lastSyncSuccess"`
			ServerReachable *bool  `json:"serverReachable,omitempty"`
		}
		view := statusView{
			TenantID:        st.TenantID,
			Pending:         st.PendingEventsCount,
			Conflicts:       st.ConflictCount,
			LastSyncSuccess: st.LastSyncSuccess,
		}
		if st.LastSyncAt != nil {
			view.LastSyncAt = st.LastSyncAt.Format(time.RFC3339)
		}
		if remote {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			reachable := a.client.HealthCheck(ctx) == nil
			cancel()
			view.ServerReachable = &reachable
		}

		if jsonOutput {
			return output.JSON(view)
		}

		output.Title("Sync status for " + st.TenantID)
		output.Info("  pending events:  %d", st.PendingEventsCount)
		output.Info("  open conflicts:  %d", st.ConflictCount)
		if st.LastSyncAt == nil {
			output.Info("  last sync:       never")
		} else if st.LastSyncSuccess {
			output.Info("  last sync:       %s (ok)", output.RelativeTime(*st.LastSyncAt))
		} else {
			output.Warning("  last sync:       %s (with errors)", output.RelativeTime(*st.LastSyncAt))
		}
		if view.ServerReachable != nil {
			if *view.ServerReachable {
				output.Success("  server:          reachable")
			} else {
				output.Error("  server:          unreachable")
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("remote", false, "probe the sync server too")
	rootCmd.AddCommand(statusCmd)
}
