package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/agenda-crawler/internal/sourcediscovery"
)

func newDiscoverCmd() *cobra.Command {
	var opts sourcediscovery.Options
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Search for new agenda sources per municipality",
		Long: `Searches the web for agenda pages of each selected municipality, validates
every candidate and registers the ones that look like event listings. High
confidence finds are enabled immediately; the rest wait for review.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appInstance.Discover(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&opts.MinPopulation, "min-population", 0, "skip municipalities below this population")
	cmd.Flags().IntVar(&opts.MaxMunicipalities, "max", 0, "process at most this many municipalities, largest first")
	cmd.Flags().StringSliceVar(&opts.Municipalities, "municipality", nil, "only these municipalities (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Categories, "category", nil, "extra category terms for the search queries")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate candidates without registering them")
	return cmd
}
