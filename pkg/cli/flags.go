package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/query"
)

// feedFlags overrides the configured query options for one command.
type feedFlags struct {
	maxConcurrency   int
	maxBufferedItems int
	maxItemCount     int
}

func (f *feedFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.maxConcurrency, "max-concurrency", feed.SystemChosen,
		"partitions fetched concurrently (-1 system chosen, 0 sequential)")
	fs.IntVar(&f.maxBufferedItems, "max-buffered-items", feed.SystemChosen,
		"documents buffered ahead of the caller (-1 system chosen)")
	fs.IntVar(&f.maxItemCount, "max-item-count", feed.DefaultMaxItemCount, "documents per page")
}

// apply returns base with the flags the user set.
func (f *feedFlags) apply(fs *pflag.FlagSet, base feed.Options) feed.Options {
	if fs.Changed("max-concurrency") {
		base.MaxConcurrency = f.maxConcurrency
	}
	if fs.Changed("max-buffered-items") {
		base.MaxBufferedItems = f.maxBufferedItems
	}
	if fs.Changed("max-item-count") {
		base.MaxItemCount = f.maxItemCount
	}
	return base
}

// parseWhere turns "field:op[:value]" into a filter. Values are numbers,
// booleans, null, or strings; quote a value ('19293') to keep it a string.
func parseWhere(expr string) (query.Option, error) {
	parts := strings.SplitN(expr, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return nil, fmt.Errorf("invalid --where %q: expected field:op[:value]", expr)
	}
	field, op := parts[0], query.Op(parts[1])
	switch op {
	case query.OpDefined, query.OpNotNull:
		if len(parts) == 3 {
			return nil, fmt.Errorf("invalid --where %q: %s takes no value", expr, op)
		}
		return query.Where(field, op, nil), nil
	}
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid --where %q: %s needs a value", expr, op)
	}
	return query.Where(field, op, parseValue(parts[2])), nil
}

func parseValue(raw string) any {
	if len(raw) >= 2 && (raw[0] == '\'' || raw[0] == '"') && raw[len(raw)-1] == raw[0] {
		return raw[1 : len(raw)-1]
	}
	switch raw {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}
