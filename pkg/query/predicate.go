// Package query classifies predicates and routes them to physical partitions.
package query

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
)

// Op is a filter comparison operator.
type Op string

// Supported filter operators
const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpLt      Op = "lt"
	OpLe      Op = "le"
	OpGt      Op = "gt"
	OpGe      Op = "ge"
	OpDefined Op = "defined"
	OpNotNull Op = "not_null"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpDefined, OpNotNull:
		return true
	}
	return false
}

func (o Op) unary() bool {
	return o == OpDefined || o == OpNotNull
}

func (o Op) ordered() bool {
	return o == OpLt || o == OpLe || o == OpGt || o == OpGe
}

// Filter is one AND-ed condition on a document field.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

func (f Filter) String() string {
	if f.Op.unary() {
		return fmt.Sprintf("%s(%s)", f.Op, f.Field)
	}
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

// Predicate is a pre-parsed query descriptor. It is immutable once built; use
// NewPredicate to construct one.
type Predicate struct {
	id         string
	hasID      bool
	keys       []string
	filters    []Filter
	projection []string
}

// Option configures a predicate under construction.
type Option func(*Predicate) error

// WithID restricts the predicate to one document id.
func WithID(id string) Option {
	return func(p *Predicate) error {
		if strings.TrimSpace(id) == "" {
			return dberr.InvalidPredicate("id", "must not be empty")
		}
		if p.hasID {
			return dberr.InvalidPredicate("id", "set more than once")
		}
		p.id, p.hasID = id, true
		return nil
	}
}

// WithPartitionKey adds an equality filter on the partition key. Several values
// are OR'd together; repeated values are collapsed.
func WithPartitionKey(values ...string) Option {
	return func(p *Predicate) error {
		if len(values) == 0 {
			return dberr.InvalidPredicate("partitionKey", "at least one value is required")
		}
		for _, v := range values {
			if !contains(p.keys, v) {
				p.keys = append(p.keys, v)
			}
		}
		return nil
	}
}

// Where adds an AND-ed filter.
func Where(field string, op Op, value any) Option {
	return func(p *Predicate) error {
		f := Filter{Field: strings.TrimSpace(field), Op: op, Value: value}
		if err := validateFilter(f); err != nil {
			return err
		}
		p.filters = append(p.filters, f)
		return nil
	}
}

// Select sets the projection. Documents returned by the query carry only the
// listed fields.
func Select(fields ...string) Option {
	return func(p *Predicate) error {
		for _, f := range fields {
			f = strings.TrimSpace(f)
			if f == "" {
				return dberr.InvalidPredicate("projection", "field name must not be empty")
			}
			if contains(p.projection, f) {
				return dberr.InvalidPredicate("projection", fmt.Sprintf("field %q listed twice", f))
			}
			p.projection = append(p.projection, f)
		}
		return nil
	}
}

// NewPredicate builds and validates a predicate.
func NewPredicate(opts ...Option) (Predicate, error) {
	var p Predicate
	for _, opt := range opts {
		if err := opt(&p); err != nil {
			return Predicate{}, err
		}
	}
	return p, nil
}

// MustPredicate is like NewPredicate but panics on invalid input.
func MustPredicate(opts ...Option) Predicate {
	p, err := NewPredicate(opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// ID returns the document id the predicate is restricted to, if any.
func (p Predicate) ID() (string, bool) {
	return p.id, p.hasID
}

// PartitionKeys returns the OR'd partition-key values in the order given.
func (p Predicate) PartitionKeys() []string {
	return append([]string(nil), p.keys...)
}

// Filters returns the AND-ed filters.
func (p Predicate) Filters() []Filter {
	return append([]Filter(nil), p.filters...)
}

// Projection returns the projected fields; empty means whole documents.
func (p Predicate) Projection() []string {
	return append([]string(nil), p.projection...)
}

// Matches evaluates the predicate against a document. The projection does not
// take part in matching.
func (p Predicate) Matches(doc document.Document) bool {
	if p.hasID && doc.ID != p.id {
		return false
	}
	if len(p.keys) > 0 && !contains(p.keys, doc.PartitionKey) {
		return false
	}
	for _, f := range p.filters {
		if !f.matches(doc) {
			return false
		}
	}
	return true
}

func (p Predicate) String() string {
	var parts []string
	if p.hasID {
		parts = append(parts, fmt.Sprintf("id = %q", p.id))
	}
	switch len(p.keys) {
	case 0:
	case 1:
		parts = append(parts, fmt.Sprintf("partitionKey = %q", p.keys[0]))
	default:
		parts = append(parts, fmt.Sprintf("partitionKey IN %q", p.keys))
	}
	for _, f := range p.filters {
		parts = append(parts, f.String())
	}
	where := "true"
	if len(parts) > 0 {
		where = strings.Join(parts, " AND ")
	}
	sel := "*"
	if len(p.projection) > 0 {
		sel = strings.Join(p.projection, ", ")
	}
	return fmt.Sprintf("SELECT %s WHERE %s", sel, where)
}

// Fingerprint identifies the predicate's meaning. Continuations carry it so a
// token cannot be resumed against a different query.
func (p Predicate) Fingerprint() uint64 {
	return xxhash.Sum64String(p.String())
}

func validateFilter(f Filter) error {
	if f.Field == "" {
		return dberr.InvalidPredicate("filter", "field name must not be empty")
	}
	if !f.Op.valid() {
		return dberr.InvalidPredicate(f.Field, fmt.Sprintf("unknown operator %q", f.Op))
	}
	if f.Op.unary() && f.Value != nil {
		return dberr.InvalidPredicate(f.Field, fmt.Sprintf("operator %s takes no value", f.Op))
	}
	if f.Op.ordered() {
		if _, ok := toNumber(f.Value); ok {
			return nil
		}
		if _, ok := f.Value.(string); ok {
			return nil
		}
		return dberr.InvalidPredicate(f.Field, fmt.Sprintf("operator %s needs a number or a string", f.Op))
	}
	return nil
}

func (f Filter) matches(doc document.Document) bool {
	v, ok := doc.Field(f.Field)
	switch f.Op {
	case OpDefined:
		return ok
	case OpNotNull:
		return ok && v != nil
	}
	if !ok {
		return false
	}
	switch f.Op {
	case OpEq:
		return equal(v, f.Value)
	case OpNe:
		return !equal(v, f.Value)
	}
	c, ok := compare(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

func equal(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
