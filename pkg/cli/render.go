package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/nimburion/docroute/pkg/demo"
	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/health"
	"github.com/nimburion/docroute/pkg/partition"
)

func newTable(w io.Writer, header []string, alignment []int) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetColumnAlignment(alignment)
	return table
}

func renderReports(w io.Writer, reports []demo.Report) {
	table := newTable(w,
		[]string{"Scenario", "Statement", "Route", "Partitions", "Pages", "Documents", "Cost", "Elapsed"},
		[]int{
			tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
			tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		})
	for _, rep := range reports {
		statement := rep.Scenario.Statement
		if len(rep.Unreachable) > 0 {
			statement += " (unreachable: " + strings.Join(rep.Unreachable, ", ") + ")"
		}
		table.Append([]string{
			rep.Scenario.Name,
			statement,
			rep.Kind.String(),
			strconv.Itoa(rep.Partitions),
			strconv.Itoa(rep.Pages),
			strconv.Itoa(rep.Documents),
			rep.Cost.String(),
			rep.Elapsed.Round(time.Microsecond).String(),
		})
	}
	table.Render()
}

// renderPartitions prints a snapshot; usage is nil for archived versions,
// whose byte counts are not kept.
func renderPartitions(w io.Writer, snap *partition.Snapshot, usage func(partition.ID) int64) {
	fmt.Fprintf(w, "Partition map version %d\n", snap.Version())
	table := newTable(w,
		[]string{"ID", "Low", "High", "Bytes"},
		[]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT})
	for _, entry := range snap.Partitions() {
		bytes := "-"
		if usage != nil {
			bytes = strconv.FormatInt(usage(entry.ID), 10)
		}
		table.Append([]string{
			string(entry.ID),
			fmt.Sprintf("%016x", entry.Range.Low),
			fmt.Sprintf("%016x", entry.Range.High),
			bytes,
		})
	}
	table.Render()
}

func renderCoverage(w io.Writer, cov feed.Coverage, continuation string) {
	rows := [][]string{
		{"Pages", strconv.Itoa(cov.Pages)},
		{"Documents", strconv.Itoa(cov.Documents)},
		{"Cost", cov.Cost.String()},
		{"Completed", joinIDs(cov.Completed)},
		{"Pending", joinIDs(cov.Pending)},
		{"Unreachable", joinIDs(cov.Unreachable)},
	}
	if continuation != "" {
		rows = append(rows, []string{"Continuation", continuation})
	}
	table := tablewriter.NewWriter(w)
	table.AppendBulk(rows)
	table.SetAutoWrapText(false)
	table.SetColMinWidth(0, 12)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT})
	table.Render()
}

func renderHealth(w io.Writer, res health.AggregatedResult) {
	fmt.Fprintf(w, "Overall: %s\n", res.Status)
	table := newTable(w,
		[]string{"Check", "Status", "Detail", "Duration"},
		[]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	for _, check := range res.Checks {
		detail := check.Message
		if check.Error != "" {
			detail = check.Error
		}
		table.Append([]string{check.Name, string(check.Status), detail, check.Duration.Round(time.Microsecond).String()})
	}
	table.Render()
}

func joinIDs(ids []partition.ID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
