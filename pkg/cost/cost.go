// Package cost prices storage operations in normalized request units.
package cost

import (
	"fmt"
	"math"

	"github.com/nimburion/docroute/pkg/dberr"
)

// Kind identifies the operation being priced.
type Kind string

// Operation kinds
const (
	// Read is a query-engine read: the predicate is evaluated against an index.
	Read Kind = "read"
	// PointRead is a key lookup by id and partition key.
	PointRead Kind = "point-read"
	Create    Kind = "create"
	Update    Kind = "update"
	Delete    Kind = "delete"
)

// Kinds lists every priced operation kind.
var Kinds = []Kind{Read, PointRead, Create, Update, Delete}

// Units is a non-negative amount of request units.
type Units float64

// Add returns u + other.
func (u Units) Add(other Units) Units {
	return u + other
}

// String renders the amount with two decimals.
func (u Units) String() string {
	return fmt.Sprintf("%.2f RUs", float64(u))
}

// Rate prices one operation kind: a fixed base plus a charge per started kilobyte.
type Rate struct {
	Base  float64 `mapstructure:"base"`
	PerKB float64 `mapstructure:"per_kb"`
}

// Model maps operation kinds to rates. The zero value is not usable; start
// from DefaultModel.
type Model struct {
	Rates map[Kind]Rate
}

// DefaultModel returns the reference price table: a 1 KB point read costs
// 1.00 RU, create 5.71, update 10.67 and delete 5.71. Query reads pay a fixed
// query-engine surcharge on top of the point-read rate.
func DefaultModel() Model {
	return Model{Rates: map[Kind]Rate{
		PointRead: {Base: 0, PerKB: 1.00},
		Read:      {Base: 2.31, PerKB: 1.00},
		Create:    {Base: 0, PerKB: 5.71},
		Update:    {Base: 0, PerKB: 10.67},
		Delete:    {Base: 0, PerKB: 5.71},
	}}
}

// Cost prices one operation. Payloads are charged per started kilobyte with a
// one kilobyte minimum, so the result is monotonic non-decreasing in size.
func (m Model) Cost(kind Kind, payloadBytes int) Units {
	rate, ok := m.Rates[kind]
	if !ok {
		rate = DefaultModel().Rates[kind]
	}
	return Units(rate.Base + rate.PerKB*float64(kilobytes(payloadBytes)))
}

// Validate checks that every kind is priced with non-negative rates and that
// point reads are strictly cheaper than query reads of the same size.
func (m Model) Validate() error {
	for _, kind := range Kinds {
		rate, ok := m.Rates[kind]
		if !ok {
			return dberr.InvalidConfiguration("cost."+string(kind), "rate is missing")
		}
		if rate.Base < 0 || rate.PerKB < 0 || math.IsNaN(rate.Base) || math.IsNaN(rate.PerKB) {
			return dberr.InvalidConfiguration("cost."+string(kind), "rates must be non-negative")
		}
	}
	point, read := m.Rates[PointRead], m.Rates[Read]
	// Linear in size: cheaper at one kilobyte and no steeper means cheaper everywhere.
	if point.PerKB > read.PerKB || point.Base+point.PerKB >= read.Base+read.PerKB {
		return dberr.InvalidConfiguration("cost.point-read", "point reads must be strictly cheaper than reads")
	}
	return nil
}

func kilobytes(payloadBytes int) int {
	if payloadBytes <= 0 {
		return 1
	}
	kb := payloadBytes / 1024
	if payloadBytes%1024 != 0 {
		kb++
	}
	return kb
}
