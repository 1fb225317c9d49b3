package cmd

import (
	"github.com/spf13/cobra"
)

func newPruneCmd() *cobra.Command {
	var (
		before string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete past events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appInstance.Prune(cmd.Context(), before, all)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "delete events that ended before this YYYY-MM-DD day (default today)")
	cmd.Flags().BoolVar(&all, "all", false, "delete every event")
	cmd.MarkFlagsMutuallyExclusive("before", "all")
	return cmd
}
