package cmd

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/output"
	"github.com/scolaris/scolaris/internal/store"
	scsync "github.com/scolaris/scolaris/internal/sync"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List unresolved sync conflicts",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.store.ListConflicts(a.tenantID)
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			output.Success("No conflicts")
			return nil
		}
		output.Title(fmt.Sprintf("Conflicts (%d)", len(conflicts)))
		for i := range conflicts {
			output.Conflict(&conflicts[i])
		}
		output.Info("")
		output.Info("Resolve with 'scolaris resolve <conflict-id>'")
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve <conflict-id>",
	Short:   "Resolve a sync conflict",
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.store.GetConflict(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no conflict with id %s", args[0])
		}
		if err != nil {
			return err
		}

		strategy, _ := cmd.Flags().GetString("strategy")
		if strategy == "" {
			strategy, err = pickStrategy(c)
			if err != nil {
				return err
			}
		}
		resolution := models.Resolution(strategy)
		if !resolution.Valid() {
			return fmt.Errorf("invalid strategy %q (server, client or merge)", strategy)
		}

		if err := a.engine.Resolver().Resolve(c.ID, resolution); err != nil {
			if errors.Is(err, scsync.ErrNoMergeFunc) {
				return fmt.Errorf("no merge rule exists for %s; choose server or client", c.EntityType)
			}
			return err
		}

		output.Success("Resolved %s with %s", c.EntityKey(), strategy)
		if resolution != models.ResolveServer {
			output.Info("The chosen state is queued; run 'scolaris sync' to push it")
		}
		return nil
	},
}

// pickStrategy shows the divergent states and asks for a decision.
func pickStrategy(c *models.Conflict) (string, error) {
	output.Title("Conflict on " + c.EntityKey())
	output.Info("local  (v%d): %s", c.LocalVersion, c.LocalData)
	output.Info("server (v%d): %s", c.ServerVersion, c.ServerData)

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which state should win?").
				Options(
					huh.NewOption("Keep the server's state", string(models.ResolveServer)),
					huh.NewOption("Keep my local state", string(models.ResolveClient)),
					huh.NewOption("Merge both", string(models.ResolveMerge)),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

func init() {
	resolveCmd.Flags().String("strategy", "", "resolution strategy: server, client or merge")
	rootCmd.AddCommand(conflictsCmd, resolveCmd)
}
