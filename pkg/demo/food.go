// Package demo seeds a nutrition collection partitioned by food group and
// replays the classic query patterns against it, reporting the request units
// each one costs.
package demo

import (
	"fmt"
	"math/rand/v2"

	"github.com/nimburion/docroute/pkg/document"
)

// FoodGroups are the partition-key values of the collection.
var FoodGroups = []string{
	"Sweets",
	"Fats and Oils",
	"Beef Products",
	"Breakfast Cereals",
	"Vegetables and Vegetable Products",
	"Dairy and Egg Products",
	"Baked Products",
	"Legumes and Legume Products",
	"Fruits and Fruit Juices",
	"Poultry Products",
	"Spices and Herbs",
	"Cereal Grains and Pasta",
	"Finfish and Shellfish Products",
	"Soups, Sauces, and Gravies",
	"Snacks",
	"Beverages",
}

// Well-known documents the point-read patterns look up.
var (
	Candy  = Landmark{ID: "19293", FoodGroup: "Sweets", Description: "Sweeteners, sugar substitute, granulated, brown"}
	Cereal = Landmark{ID: "08065", FoodGroup: "Breakfast Cereals", Description: "Cereals ready-to-eat, wheat and bran, presweetened with nuts and fruits"}
)

// Landmark identifies one fixed document of the collection.
type Landmark struct {
	ID          string
	FoodGroup   string
	Description string
}

var (
	manufacturers = []string{"Kellogg, Co.", "General Mills Inc.", "The Hershey Company", "Kraft Foods", "Nestle USA", "Unilever"}
	adjectives    = []string{"raw", "cooked", "frozen", "canned", "dried", "roasted", "reduced fat", "unsweetened"}
	units         = []string{"cup", "oz", "tbsp", "piece", "serving", "slice"}
)

// Foods generates perGroup documents for every food group plus the landmark
// documents. The same seed always yields the same collection.
func Foods(perGroup int, seed uint64) []document.Document {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	docs := make([]document.Document, 0, perGroup*len(FoodGroups)+2)
	next := 1000
	for g, group := range FoodGroups {
		for i := 0; i < perGroup; i++ {
			next++
			id := fmt.Sprintf("%02d%03d", g+1, next%1000)
			docs = append(docs, food(rng, id, group, fmt.Sprintf("%s, %s", group, adjectives[rng.IntN(len(adjectives))])))
		}
	}
	for _, l := range []Landmark{Candy, Cereal} {
		doc := food(rng, l.ID, l.FoodGroup, l.Description)
		doc.Body["manufacturerName"] = manufacturers[0]
		docs = append(docs, doc)
	}
	return docs
}

func food(rng *rand.Rand, id, group, description string) document.Document {
	body := map[string]any{
		"description":  description,
		"foodGroup":    group,
		"version":      1 + rng.IntN(2),
		"isFromSurvey": rng.IntN(4) == 0,
		"calories":     rng.IntN(900),
	}
	// about a third of the collection carries no manufacturer
	if rng.IntN(3) > 0 {
		body["manufacturerName"] = manufacturers[rng.IntN(len(manufacturers))]
	}
	servings := make([]any, 1+rng.IntN(3))
	for i := range servings {
		servings[i] = map[string]any{
			"amount":        1 + rng.IntN(4),
			"description":   units[rng.IntN(len(units))],
			"weightInGrams": 10 + rng.IntN(240),
		}
	}
	body["servings"] = servings
	doc, _ := document.New(id, group, body)
	return doc
}
