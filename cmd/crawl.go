package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// newCrawlCmd runs one crawl job in the foreground and prints the final job.
func newCrawlCmd() *cobra.Command {
	var opts crawler.JobOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl job and prints the result",
		Long: `Walks the requested partitions (all of them by default) and prints the finished
job as JSON. Partitions whose remote count is unchanged are skipped unless
--force is given. The command fails when the job does not complete.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App) error {
			job, err := app.RunJob(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("run crawl: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			if job.Status != crawler.JobStatusCompleted {
				return fmt.Errorf("job %s finished %s: %s", job.ID, job.Status, job.Error)
			}
			return nil
		}),
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.Partitions, "partitions", nil, "partitions to walk, e.g. konut_satilik,arsa_satilik")
	f.BoolVar(&opts.Force, "force", false, "walk every partition regardless of the decision engine")
	f.BoolVar(&opts.Reconcile, "reconcile", false, "archive listings missing from complete walks")
	f.BoolVar(&opts.Ascending, "ascending", false, "walk oldest listings first")
	f.IntVar(&opts.Workers, "workers", 0, "parallel workers (0 uses jobs.workers)")
	f.IntVar(&opts.MaxPages, "max-pages", 0, "per-partition page cap (0 means no cap)")
	return cmd
}
