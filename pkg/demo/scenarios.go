package demo

import (
	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/query"
)

// Scenario is one query pattern of the walkthrough.
type Scenario struct {
	Name string
	// Statement is the SQL a document database would receive for the pattern.
	Statement string
	Predicate query.Predicate
	Options   feed.Options
	// Drain reads every page instead of stopping after the first one.
	Drain bool
}

// Scenarios returns the query patterns, from the most expensive to the
// cheapest and back out to a parallel cross-partition drain.
//
// parallel configures the final pattern; the other patterns use the default
// options and read a single page, like a caller peeking at the first results.
func Scenarios(parallel feed.Options) []Scenario {
	defaults := feed.DefaultOptions()
	return []Scenario{
		{
			Name:      "full scan",
			Statement: "SELECT * FROM c",
			Predicate: query.MustPredicate(),
			Options:   defaults,
		},
		{
			Name:      "point read",
			Statement: "ReadItem(" + Candy.ID + ", " + Candy.FoodGroup + ")",
			Predicate: query.MustPredicate(query.WithID(Candy.ID), query.WithPartitionKey(Candy.FoodGroup)),
			Options:   defaults,
		},
		{
			Name:      "point read",
			Statement: "ReadItem(" + Cereal.ID + ", " + Cereal.FoodGroup + ")",
			Predicate: query.MustPredicate(query.WithID(Cereal.ID), query.WithPartitionKey(Cereal.FoodGroup)),
			Options:   defaults,
		},
		{
			Name:      "in-partition",
			Statement: "SELECT * FROM c WHERE c.foodGroup = 'Fats and Oils'",
			Predicate: query.MustPredicate(query.WithPartitionKey("Fats and Oils")),
			Options:   defaults,
		},
		{
			Name:      "in-partition projection",
			Statement: "SELECT c.description, c.manufacturerName, c.servings FROM c WHERE c.foodGroup = 'Sweets'",
			Predicate: query.MustPredicate(
				query.WithPartitionKey("Sweets"),
				query.Select("description", "manufacturerName", "servings"),
			),
			Options: defaults,
		},
		{
			Name: "in-partition filters",
			Statement: "SELECT c.description, c.manufacturerName, c.servings FROM c WHERE c.foodGroup = 'Sweets' " +
				"AND IS_DEFINED(c.description) AND IS_DEFINED(c.manufacturerName) AND IS_DEFINED(c.servings)",
			Predicate: query.MustPredicate(
				query.WithPartitionKey("Sweets"),
				query.Where("description", query.OpDefined, nil),
				query.Where("manufacturerName", query.OpDefined, nil),
				query.Where("servings", query.OpDefined, nil),
				query.Select("description", "manufacturerName", "servings"),
			),
			Options: defaults,
		},
		{
			Name:      "in-partition and",
			Statement: "SELECT * FROM c WHERE c.foodGroup = 'Fats and Oils' AND c.isFromSurvey = false",
			Predicate: query.MustPredicate(
				query.WithPartitionKey("Fats and Oils"),
				query.Where("isFromSurvey", query.OpEq, false),
			),
			Options: defaults,
		},
		{
			Name:      "multi-partition",
			Statement: "SELECT * FROM c WHERE c.foodGroup IN ('Sweets', 'Snacks', 'Beverages')",
			Predicate: query.MustPredicate(query.WithPartitionKey("Sweets", "Snacks", "Beverages")),
			Options:   defaults,
			Drain:     true,
		},
		{
			Name:      "fan-out",
			Statement: "SELECT * FROM c WHERE c.version = 1",
			Predicate: query.MustPredicate(query.Where("version", query.OpEq, 1)),
			Options:   defaults,
		},
		{
			Name:      "parallel fan-out",
			Statement: "SELECT c.id, c.description, c.manufacturerName, c.servings FROM c WHERE c.manufacturerName != null",
			Predicate: query.MustPredicate(
				query.Where("manufacturerName", query.OpNotNull, nil),
				query.Select("id", "description", "manufacturerName", "servings"),
			),
			Options: parallel,
			Drain:   true,
		},
	}
}
