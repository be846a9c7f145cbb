package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sells-group/sourcing-cli/internal/export"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/sourcing"
	"github.com/sells-group/sourcing-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and inspect sourcing jobs",
}

// -- jobs create --

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sourcing job and run it in-process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := createRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Sourcing.CreateJob(ctx, req)
		if err != nil {
			return eris.Wrap(err, "jobs create")
		}

		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			if err := printJSON(os.Stdout, res); err != nil {
				return err
			}
			// The job runs in this process; let it finish before exiting.
			return drain(ctx, env.Sourcing)
		}

		interval, _ := cmd.Flags().GetDuration("poll-interval")
		view, err := waitForJob(ctx, env.Sourcing, res.JobID, interval)
		if err != nil {
			return err
		}
		if err := drain(ctx, env.Sourcing); err != nil {
			return err
		}
		return printJSON(os.Stdout, view)
	},
}

func createRequestFromFlags(cmd *cobra.Command) (sourcing.CreateJobRequest, error) {
	productID, _ := cmd.Flags().GetString("product-id")
	title, _ := cmd.Flags().GetString("title")
	platforms, _ := cmd.Flags().GetStringSlice("platform")
	quantity, _ := cmd.Flags().GetInt("quantity")
	provider, _ := cmd.Flags().GetString("provider")

	req := sourcing.CreateJobRequest{
		ProductID: productID,
		Title:     title,
		Platforms: platforms,
		Params: model.JobParams{
			Quantity:   quantity,
			ProviderID: provider,
		},
	}

	var err error
	if req.Params.WeightKg, err = decimalFlag(cmd, "weight"); err != nil {
		return req, err
	}
	if req.Params.CustomsRatePct, err = decimalFlag(cmd, "customs"); err != nil {
		return req, err
	}
	if cmd.Flags().Changed("sell-price") {
		sell, err := decimalFlag(cmd, "sell-price")
		if err != nil {
			return req, err
		}
		req.Params.SellPriceLocal = &sell
	}
	return req, nil
}

// waitForJob polls until the job reaches a terminal status.
func waitForJob(ctx context.Context, svc *sourcing.Service, id string, interval time.Duration) (sourcing.JobView, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := svc.GetJob(ctx, id)
		if err != nil {
			return sourcing.JobView{}, eris.Wrap(err, "jobs wait")
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, eris.Wrap(ctx.Err(), "jobs wait")
		case <-ticker.C:
		}
	}
}

func drain(ctx context.Context, svc *sourcing.Service) error {
	timeout := time.Duration(cfg.Sourcing.JobBudgetSecs+cfg.Server.ShutdownTimeout) * time.Second
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return svc.Shutdown(dctx)
}

// -- jobs get --

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job and its ranked results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		view, err := loadJobView(ctx, st, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, view)
	},
}

func loadJobView(ctx context.Context, st store.Store, id string) (sourcing.JobView, error) {
	job, err := st.GetJob(ctx, id)
	if err != nil {
		return sourcing.JobView{}, eris.Wrapf(err, "get job %s", id)
	}
	results, err := st.ListResults(ctx, id)
	if err != nil {
		return sourcing.JobView{}, eris.Wrapf(err, "list results %s", id)
	}
	if results == nil {
		results = []model.SourcingResult{}
	}
	return sourcing.JobView{SourcingJob: *job, Results: results}, nil
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sourcing jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		productID, _ := cmd.Flags().GetString("product-id")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.JobFilter{
			Status:    model.JobStatus(status),
			ProductID: productID,
			Limit:     limit,
			Offset:    offset,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("jobs list: unknown status %q", status)
		}

		jobs, err := st.ListJobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

func formatJobsList(w io.Writer, jobs []model.SourcingJob) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRODUCT\tQUERY\tCREATED\tREASON")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Status, j.ProductID, truncate(j.Query, 40),
			j.CreatedAt.Local().Format(time.DateTime), truncate(j.FailReason, 60))
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// -- jobs export --

var jobsExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export a job's results to an XLSX file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		view, err := loadJobView(ctx, st, args[0])
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = fmt.Sprintf("sourcing-%s.xlsx", view.ID)
		}
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrap(err, "jobs export: create file")
		}
		if err := export.WriteJob(f, view.SourcingJob, view.Results); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "jobs export: close file")
		}
		fmt.Fprintf(os.Stderr, "Wrote %d results to %s\n", len(view.Results), out)
		return nil
	},
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "invalid --%s", name)
	}
	return d, nil
}

func init() {
	jobsCreateCmd.Flags().String("product-id", "", "product identifier (required)")
	jobsCreateCmd.Flags().String("title", "", "product title used as the search query (required)")
	jobsCreateCmd.Flags().StringSlice("platform", nil, "platform codes to search (default: all available)")
	jobsCreateCmd.Flags().Int("quantity", 0, "order quantity (default from config)")
	jobsCreateCmd.Flags().String("weight", "", "total shipment weight in kg (default from config)")
	jobsCreateCmd.Flags().String("customs", "", "customs rate percent, e.g. 10 for 10%")
	jobsCreateCmd.Flags().String("sell-price", "", "planned local sell price per unit")
	jobsCreateCmd.Flags().String("provider", "", "cargo provider id (default from config)")
	jobsCreateCmd.Flags().Bool("wait", false, "poll until the job finishes and print it")
	jobsCreateCmd.Flags().Duration("poll-interval", time.Second, "poll interval with --wait")
	_ = jobsCreateCmd.MarkFlagRequired("product-id")
	_ = jobsCreateCmd.MarkFlagRequired("title")

	jobsListCmd.Flags().String("status", "", "filter by status (PENDING, RUNNING, DONE, FAILED)")
	jobsListCmd.Flags().String("product-id", "", "filter by product id")
	jobsListCmd.Flags().Int("limit", 20, "maximum jobs to return (max 100)")
	jobsListCmd.Flags().Int("offset", 0, "jobs to skip")

	jobsExportCmd.Flags().String("out", "", "output path (default sourcing-<id>.xlsx)")

	jobsCmd.AddCommand(jobsCreateCmd, jobsGetCmd, jobsListCmd, jobsExportCmd)
	rootCmd.AddCommand(jobsCmd)
}
