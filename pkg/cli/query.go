package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/demo"
	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/query"
)

func newQueryCommand(load loadFunc) *cobra.Command {
	var (
		id           string
		keys         []string
		where        []string
		fields       []string
		continuation string
		pages        int
		demoData     int
		options      feedFlags
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Route and run a query, printing documents as JSON lines",
		Example: `  docroute query --key Sweets --where calories:gt:300 --select description,calories
  docroute query --id 19293 --key Sweets --demo-data 20
  docroute query --where manufacturerName:not_null --max-concurrency 4 --pages 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			predicate, err := buildPredicate(id, keys, where, fields)
			if err != nil {
				return err
			}
			cfg, _, log, err := load()
			if err != nil {
				return err
			}
			opts := options.apply(cmd.Flags(), cfg.Query)
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			rt, err := NewRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			if demoData > 0 {
				if _, err := demo.NewRunner(rt.Engine, demo.WithLogger(log)).Seed(ctx, demo.Foods(demoData, 1)); err != nil {
					return err
				}
			}

			route, err := rt.Engine.Router().Route(predicate)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Route: %s over %d partitions (map version %d)\n",
				route.Kind, len(route.Targets), route.Snapshot.Version())

			var it *feed.Iterator
			if continuation != "" {
				it, err = rt.Engine.Resume(ctx, predicate, opts, continuation)
			} else {
				it, err = rt.Engine.Execute(ctx, predicate, opts)
			}
			if err != nil {
				return err
			}
			defer it.Close()

			var partial *dberr.PartialResultsError
			for read := 0; it.HasMoreResults() && (pages <= 0 || read < pages); read++ {
				page, err := it.Next(ctx)
				if errors.Is(err, feed.ErrNoMoreResults) {
					break
				}
				if errors.As(err, &partial) {
					break
				}
				if err != nil {
					return err
				}
				for _, doc := range page.Documents {
					raw, err := json.Marshal(doc)
					if err != nil {
						return fmt.Errorf("encode document %s: %w", doc.ID, err)
					}
					fmt.Fprintln(out, string(raw))
				}
			}

			next := it.Continuation()
			if partial != nil {
				next = partial.Continuation
				fmt.Fprintf(out, "Partial results: %v\n", partial)
			}
			renderCoverage(out, it.Coverage(), next)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "document id; with one --key the query is a point lookup")
	cmd.Flags().StringSliceVar(&keys, "key", nil, "partition key values (repeatable)")
	cmd.Flags().StringArrayVar(&where, "where", nil, "filter as field:op[:value], op one of eq, ne, lt, le, gt, ge, defined, not_null")
	cmd.Flags().StringSliceVar(&fields, "select", nil, "project the listed body fields")
	cmd.Flags().StringVar(&continuation, "continuation", "", "resume from a continuation token")
	cmd.Flags().IntVar(&pages, "pages", 0, "stop after this many pages (0 reads everything)")
	cmd.Flags().IntVar(&demoData, "demo-data", 0, "seed the generated food collection with this many documents per group first")
	options.register(cmd.Flags())
	return cmd
}

func buildPredicate(id string, keys, where, fields []string) (query.Predicate, error) {
	var opts []query.Option
	if id != "" {
		opts = append(opts, query.WithID(id))
	}
	if len(keys) > 0 {
		opts = append(opts, query.WithPartitionKey(keys...))
	}
	for _, expr := range where {
		opt, err := parseWhere(expr)
		if err != nil {
			return query.Predicate{}, err
		}
		opts = append(opts, opt)
	}
	if len(fields) > 0 {
		opts = append(opts, query.Select(fields...))
	}
	return query.NewPredicate(opts...)
}
