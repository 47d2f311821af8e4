package clictl

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/sourceregistry"
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage the source_database registry",
	}
	cmd.AddCommand(newSourceListCmd(), newSourceUpsertCmd())
	return cmd
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered source databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			list, err := sourceregistry.New(deps.pool).List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
}

func newSourceUpsertCmd() *cobra.Command {
	var sd domain.SourceDatabase
	var dialect string
	var passwordFile string

	cmd := &cobra.Command{
		Use:   "upsert <source_code>",
		Short: "Create or update a source database entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			sd.SourceCode = args[0]
			sd.Dialect = domain.SourceDialect(dialect)
			if passwordFile != "" {
				b, err := os.ReadFile(passwordFile)
				if err != nil {
					return fmt.Errorf("read password file: %w", err)
				}
				sd.EncryptedPassword = b
			}

			return sourceregistry.New(deps.pool).Upsert(cmd.Context(), sd)
		},
	}

	cmd.Flags().StringVar(&sd.Host, "host", "", "database host")
	cmd.Flags().IntVar(&sd.Port, "port", 0, "database port")
	cmd.Flags().StringVar(&sd.DBName, "db-name", "", "database name")
	cmd.Flags().StringVar(&dialect, "dialect", string(domain.SourceDialectPostgreSQL), "postgresql or mysql")
	cmd.Flags().StringVar(&sd.Username, "username", "", "read-only username")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "path to a file holding the password (stored and used as-is)")
	cmd.Flags().BoolVar(&sd.ReadOnlyVerified, "read-only-verified", false, "mark this source as verified read-only")

	return cmd
}
