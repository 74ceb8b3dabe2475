package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/scolaris/scolaris/internal/config"
	"github.com/scolaris/scolaris/internal/output"
	"github.com/scolaris/scolaris/internal/store"
)

var errTenantRequired = errors.New("tenant id is required")

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Configure the client and create the local database",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		tenant, _ := cmd.Flags().GetString("tenant-id")
		server, _ := cmd.Flags().GetString("server")
		apiKey, _ := cmd.Flags().GetString("api-key")

		if tenant == "" {
			// No flags: collect settings interactively.
			tenant = cfg.TenantID
			if server == "" {
				server = cfg.Sync.ServerURL
			}
			if apiKey == "" {
				apiKey = cfg.Sync.APIKey
			}
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Tenant ID").
						Description("The school's tenant identifier").
						Value(&tenant).
						Validate(func(s string) error {
							if strings.TrimSpace(s) == "" {
								return errTenantRequired
							}
							return nil
						}),
					huh.NewInput().
						Title("Sync server URL").
						Placeholder("http://localhost:8080").
						Value(&server),
					huh.NewInput().
						Title("API key").
						EchoMode(huh.EchoModePassword).
						Value(&apiKey),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}
		}
		if strings.TrimSpace(tenant) == "" {
			return errTenantRequired
		}

		cfg.TenantID = strings.TrimSpace(tenant)
		cfg.Sync.ServerURL = strings.TrimSpace(server)
		cfg.Sync.APIKey = strings.TrimSpace(apiKey)
		if err := config.Save(cfg); err != nil {
			return err
		}

		// Create the database and schema up front so the first record
		// command does not pay for it.
		dbPath, err := cfg.DatabasePath()
		if err != nil {
			return err
		}
		st, err := store.Open(store.Config{Backend: store.BackendSQLite, Path: dbPath})
		if err != nil {
			return fmt.Errorf("initialize local database: %w", err)
		}
		st.Close()

		output.Success("Configured tenant %s", cfg.TenantID)
		output.Info("Local database: %s", dbPath)
		if cfg.Sync.ServerURL != "" {
			output.Info("Sync server: %s", cfg.Sync.ServerURL)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().String("tenant-id", "", "tenant identifier")
	initCmd.Flags().String("server", "", "sync server base URL")
	initCmd.Flags().String("api-key", "", "API key for the sync server")
	rootCmd.AddCommand(initCmd)
}
