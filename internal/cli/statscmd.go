package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ndb/internal/analytics"
)

func newStatsCmd(app func() (*App, error)) *cobra.Command {
	var days int
	var domain string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize blocking activity from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			entries, err := analytics.ReadLog(a.Audit.Path())
			if err != nil {
				return err
			}

			filter := analytics.Filter{Domain: domain}
			if days > 0 {
				filter.Since = time.Now().AddDate(0, 0, -days)
			}
			report := analytics.Build(entries, filter)
			out := cmd.OutOrStdout()

			if report.Entries == 0 {
				fmt.Fprintln(out, "no audit activity in the selected window")
				return nil
			}

			fmt.Fprintf(out, "window:        %s to %s (%d entries)\n",
				report.From.Local().Format("2006-01-02"),
				report.To.Local().Format("2006-01-02"),
				report.Entries)
			fmt.Fprintf(out, "blocks:        %d\n", report.Blocks)
			fmt.Fprintf(out, "unblocks:      %d\n", report.Unblocks)
			fmt.Fprintf(out, "allows:        %d, disallows: %d\n", report.Allows, report.Disallows)
			fmt.Fprintf(out, "pauses:        %d, resumes: %d\n", report.Pauses, report.Resumes)
			fmt.Fprintf(out, "effectiveness: %.0f%%\n", report.Effectiveness())

			if len(report.Domains) > 0 {
				fmt.Fprintln(out, "\ntop domains:")
				top := report.Domains
				if len(top) > 10 {
					top = top[:10]
				}
				for _, d := range top {
					fmt.Fprintf(out, "  %-30s %d blocked, %d unblocked (%.0f%%)\n",
						d.Domain, d.Blocks, d.Unblocks, d.Effectiveness())
				}
			}

			if busiest := busiestHour(report); busiest != nil {
				fmt.Fprintf(out, "\nbusiest hour:  %02d:00-%02d:59 (%d events)\n",
					busiest.Hour, busiest.Hour, busiest.Total())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "restrict to the last N days (0 = all history)")
	cmd.Flags().StringVar(&domain, "domain", "", "restrict to one domain")
	return cmd
}

func busiestHour(r *analytics.Report) *analytics.Hour {
	var best *analytics.Hour
	for i := range r.Hours {
		if r.Hours[i].Total() == 0 {
			continue
		}
		if best == nil || r.Hours[i].Total() > best.Total() {
			best = &r.Hours[i]
		}
	}
	return best
}
