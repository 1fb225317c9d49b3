package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage the source registry",
	}
	cmd.AddCommand(newSourcesListCmd(), newSourcesImportCmd(), newSourcesResetCmd())
	return cmd
}

func newSourcesListCmd() *cobra.Command {
	var runnable bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			store := appInstance.GetStore()
			list := store.ListSources
			if runnable {
				list = store.ListRunnableSources
			}
			sources, err := list(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sources: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), sources)
		},
	}
	cmd.Flags().BoolVar(&runnable, "runnable", false, "only enabled sources that are not auto-disabled")
	return cmd
}

func newSourcesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Register the sources listed in a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appInstance.ImportSources(cmd.Context(), args[0])
			if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newSourcesResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset SOURCE_ID",
		Short: "Clear the failure streak and re-enable an auto-disabled source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.GetStore().ResetSource(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("reset source: %w", err)
			}
			appInstance.GetLogger().Info("source reset", zap.String("source_id", args[0]))
			fmt.Fprintf(cmd.OutOrStdout(), "source %s reset\n", args[0])
			return nil
		},
	}
}
