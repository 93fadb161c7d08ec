package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/demo"
	"github.com/nimburion/docroute/pkg/feed"
)

const shutdownTimeout = 5 * time.Second

func newDemoCommand(load loadFunc) *cobra.Command {
	var (
		perGroup      int
		seed          uint64
		metricsAddr   string
		showDocuments bool
		parallel      feedFlags
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Seed the food collection and compare the cost of each query pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := NewRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			if cmd.Flags().Changed("metrics-addr") {
				cfg.Observability.MetricsAddr = metricsAddr
			}
			if cfg.Observability.MetricsAddr != "" {
				if err := rt.ServeMetrics(cfg.Observability.MetricsAddr); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			var runnerOpts []demo.RunnerOption
			runnerOpts = append(runnerOpts, demo.WithLogger(log))
			if showDocuments {
				runnerOpts = append(runnerOpts, demo.OnPage(func(sc demo.Scenario, number int, page *feed.Page) {
					fmt.Fprintf(out, "-- %s, page %d from partition %s (%s)\n", sc.Name, number, page.Partition, page.Cost)
					for _, doc := range page.Documents {
						raw, err := json.Marshal(doc)
						if err != nil {
							continue
						}
						fmt.Fprintln(out, string(raw))
					}
				}))
			}
			runner := demo.NewRunner(rt.Engine, runnerOpts...)

			seeded, err := runner.Seed(ctx, demo.Foods(perGroup, seed))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Seeded %d documents for %s (%d splits)\n\n", seeded.Documents, seeded.Cost, seeded.Splits)

			reports, err := runner.RunAll(ctx, demo.Scenarios(parallel.apply(cmd.Flags(), cfg.Query)))
			if err != nil {
				return err
			}
			renderReports(out, reports)

			var total cost.Units
			for _, rep := range reports {
				total = total.Add(rep.Cost)
			}
			fmt.Fprintf(out, "\nTotal query cost: %s\n", total)
			return nil
		},
	}
	cmd.Flags().IntVar(&perGroup, "per-group", 50, "generated documents per food group")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "generator seed")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the demo runs")
	cmd.Flags().BoolVar(&showDocuments, "show-documents", false, "print every page read by the scenarios")
	parallel.register(cmd.Flags())
	return cmd
}

func closeRuntime(rt *Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		rt.Log.Warn("failed to close runtime", "error", err)
	}
}
