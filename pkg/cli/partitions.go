package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nimburion/docroute/pkg/health"
	"github.com/nimburion/docroute/pkg/partition"
)

var errArchiveDisabled = errors.New("the partition map archive is disabled (set archive.enabled)")

func newPartitionsCommand(load loadFunc) *cobra.Command {
	partitionsCmd := &cobra.Command{
		Use:   "partitions",
		Short: "Inspect and split the partition map",
	}

	var archivedVersion uint64
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current partition map, or an archived version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := load()
			if err != nil {
				return err
			}
			rt, err := NewRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			if archivedVersion == 0 {
				renderPartitions(cmd.OutOrStdout(), rt.Partitions.Snapshot(), rt.Partitions.Usage)
				return nil
			}
			if rt.Archive == nil {
				return errArchiveDisabled
			}
			snap, err := rt.Archive.Get(cmd.Context(), archivedVersion)
			if err != nil {
				return err
			}
			renderPartitions(cmd.OutOrStdout(), snap, nil)
			return nil
		},
	}
	showCmd.Flags().Uint64Var(&archivedVersion, "version", 0, "show this archived version instead of the current map")
	partitionsCmd.AddCommand(showCmd)

	partitionsCmd.AddCommand(&cobra.Command{
		Use:   "split <id>",
		Short: "Split a partition in two; with the catalog enabled the new map is shared",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := load()
			if err != nil {
				return err
			}
			rt, err := NewRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			left, right, err := rt.Partitions.Split(partition.ID(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Split %s into %s and %s\n", args[0], left, right)
			renderPartitions(out, rt.Partitions.Snapshot(), rt.Partitions.Usage)
			return nil
		},
	})

	partitionsCmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List the partition map versions kept in the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := load()
			if err != nil {
				return err
			}
			rt, err := NewRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			if rt.Archive == nil {
				return errArchiveDisabled
			}

			versions, err := rt.Archive.Versions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Archived versions of %s\n", cfg.Collection.Name)
			rows := make([][]string, 0, len(versions))
			for _, v := range versions {
				current := ""
				if v == rt.Partitions.Snapshot().Version() {
					current = "current"
				}
				rows = append(rows, []string{strconv.FormatUint(v, 10), current})
			}
			table := newTable(out, []string{"Version", ""}, nil)
			table.AppendBulk(rows)
			table.Render()
			return nil
		},
	})
	return partitionsCmd
}

func newHealthcheckCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the store, the partition catalog and the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := load()
			if err != nil {
				return err
			}
			rt, err := NewRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			res := rt.Health.Check(cmd.Context())
			renderHealth(cmd.OutOrStdout(), res)
			if res.Status == health.StatusUnhealthy {
				return fmt.Errorf("healthcheck failed")
			}
			return nil
		},
	}
}
