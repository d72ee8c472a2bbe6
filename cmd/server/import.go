package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/covfee/internal/db"
	"github.com/soaringjerry/covfee/internal/models"
	"github.com/soaringjerry/covfee/internal/services"
)

func newImportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <project-file>",
		Short: "Import or update a project from a JSON, YAML or TOML file",
		Long: `Import a project file into the database.

Importing is idempotent: ids are derived from the file's ids and the secret
key, so a second import updates the project in place and only adds the
instances missing to reach each HIT's repeat count.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			pf, err := services.LoadProjectFile(args[0])
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.Database.Path, cfg.Database.MigrationsDir)
			if err != nil {
				return err
			}
			defer store.Close()

			links := models.Links{APIURL: cfg.Server.APIURL, AppURL: cfg.Server.AppURL}
			instances := services.NewInstanceService(store, links, cfg.Secret)
			res, err := services.NewProjectService(store, instances, cfg.Secret).Import(cmd.Context(), pf)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
