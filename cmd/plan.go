package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	var partitions []string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Shows which partitions a crawl would walk",
		Long: `Scores every partition by how stale and how changed it is and reports which ones
the decision engine would skip. Nothing is fetched.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App) error {
			res, err := app.Plan(cmd.Context(), partitions)
			if err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}),
	}
	cmd.Flags().StringSliceVar(&partitions, "partitions", nil, "partitions to evaluate (default all)")
	return cmd
}
