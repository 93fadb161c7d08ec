// Package feed is the pagination controller: it drains query work items one
// round trip at a time, sequentially or with bounded concurrency, buffers at
// most a configured number of documents, and hands pages to the caller one at
// a time with a continuation that resumes after the last delivered page.
package feed

import (
	"fmt"
	"runtime"

	"github.com/nimburion/docroute/pkg/dberr"
)

// Option defaults
const (
	DefaultMaxItemCount = 100
	// SystemChosen lets the controller pick MaxConcurrency or MaxBufferedItems.
	SystemChosen = -1
)

// Options control concurrency, buffering and page size of one query.
type Options struct {
	// MaxConcurrency bounds how many partitions are fetched at once:
	// -1 lets the controller choose, 0 is strictly sequential.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// MaxBufferedItems bounds documents fetched but not yet handed to the
	// caller: -1 lets the controller choose, otherwise at least MaxItemCount.
	MaxBufferedItems int `mapstructure:"max_buffered_items"`
	// MaxItemCount is the page size.
	MaxItemCount int `mapstructure:"max_item_count"`
}

// DefaultOptions returns system-chosen concurrency and buffering with 100
// documents per page.
func DefaultOptions() Options {
	return Options{
		MaxConcurrency:   SystemChosen,
		MaxBufferedItems: SystemChosen,
		MaxItemCount:     DefaultMaxItemCount,
	}
}

// Validate rejects invalid combinations with a ConfigurationError.
func (o Options) Validate() error {
	if o.MaxItemCount <= 0 {
		return dberr.InvalidConfiguration("max_item_count", fmt.Sprintf("must be positive, got %d", o.MaxItemCount))
	}
	if o.MaxConcurrency < SystemChosen {
		return dberr.InvalidConfiguration("max_concurrency", fmt.Sprintf("must be -1, 0 or positive, got %d", o.MaxConcurrency))
	}
	if o.MaxBufferedItems == 0 || o.MaxBufferedItems < SystemChosen {
		return dberr.InvalidConfiguration("max_buffered_items", fmt.Sprintf("must be -1 or positive, got %d", o.MaxBufferedItems))
	}
	if o.MaxBufferedItems > 0 && o.MaxBufferedItems < o.MaxItemCount {
		return dberr.InvalidConfiguration("max_buffered_items",
			fmt.Sprintf("%d cannot hold one page of %d items", o.MaxBufferedItems, o.MaxItemCount))
	}
	return nil
}

// workers returns the number of fetch goroutines for n work items, 0 meaning
// the caller's goroutine does every round trip.
func (o Options) workers(n int) int {
	if n <= 0 {
		return 0
	}
	switch {
	case o.MaxConcurrency == 0:
		return 0
	case o.MaxConcurrency == SystemChosen:
		return min(n, runtime.GOMAXPROCS(0)*2)
	default:
		return min(n, o.MaxConcurrency)
	}
}

// buffer returns the buffered-document bound for the given worker count.
func (o Options) buffer(workers int) int {
	if o.MaxBufferedItems != SystemChosen {
		return o.MaxBufferedItems
	}
	return o.MaxItemCount * max(workers, 1)
}
