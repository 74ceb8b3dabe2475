package cmd

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/scolaris/scolaris/internal/netmon"
	"github.com/scolaris/scolaris/internal/output"
	"github.com/scolaris/scolaris/internal/tui/watch"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Live dashboard with background sync",
	Long:    "Live dashboard showing connectivity, the outbox queue and conflicts. Syncs on a schedule and immediately when connectivity returns.",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mon := netmon.New(a.client, a.cfg.ProbeInterval(), nil)
		syncNow := func() {
			syncCtx, syncCancel := context.WithTimeout(ctx, 2*time.Minute)
			defer syncCancel()
			a.engine.Sync(syncCtx, a.tenantID)
		}
		mon.OnReconnect(func() { go syncNow() })
		go mon.Run(ctx)

		// Scheduled background passes alongside the reconnect trigger.
		go func() {
			ticker := time.NewTicker(a.cfg.SyncInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if mon.Online() {
						syncNow()
					}
				}
			}
		}()

		model := watch.NewModel(a.store, a.engine, mon, a.tenantID, 2*time.Second)
		p := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return err
		}
		output.Info("watch stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
