package document

import "testing"

func TestNew_RequiresID(t *testing.T) {
	if _, err := New("  ", "Sweets", nil); err == nil {
		t.Fatal("expected error for blank id")
	}
}

func TestNew_CopiesBody(t *testing.T) {
	body := map[string]any{"description": "candy", "nutrition": map[string]any{"kcal": 120}}
	doc, err := New("19293", "Sweets", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body["description"] = "changed"
	body["nutrition"].(map[string]any)["kcal"] = 0

	if got, _ := doc.Field("description"); got != "candy" {
		t.Fatalf("expected copied description, got %v", got)
	}
	if got, _ := doc.Field("nutrition.kcal"); got != 120 {
		t.Fatalf("expected copied nested value, got %v", got)
	}
}

func TestField(t *testing.T) {
	doc := Document{ID: "1", PartitionKey: "Sweets", Body: map[string]any{
		"servings": map[string]any{"amount": 2},
	}}

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"id", "1", true},
		{"servings.amount", 2, true},
		{"servings.unit", nil, false},
		{"missing", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		got, ok := doc.Field(tt.path)
		if ok != tt.found || (ok && got != tt.want) {
			t.Errorf("Field(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.found)
		}
	}
}

func TestProject(t *testing.T) {
	doc := Document{ID: "1", PartitionKey: "Sweets", Body: map[string]any{
		"description":      "candy",
		"manufacturerName": "acme",
		"version":          1,
	}}

	projected := doc.Project([]string{"id", "description", "servings"})
	if projected.ID != "1" || projected.PartitionKey != "Sweets" {
		t.Fatalf("metadata must survive projection: %+v", projected)
	}
	if len(projected.Body) != 1 || projected.Body["description"] != "candy" {
		t.Fatalf("unexpected projected body: %v", projected.Body)
	}
	if len(doc.Body) != 3 {
		t.Fatal("projection must not modify the source document")
	}
}

func TestSizeGrowsWithBody(t *testing.T) {
	small := Document{ID: "1", PartitionKey: "k"}
	large := Document{ID: "1", PartitionKey: "k", Body: map[string]any{"payload": "0123456789"}}
	if small.Size() <= 0 {
		t.Fatal("size must be positive")
	}
	if large.Size() <= small.Size() {
		t.Fatalf("expected larger body to encode larger: %d <= %d", large.Size(), small.Size())
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	doc := Document{ID: "20000", PartitionKey: "Sweets", Body: map[string]any{"description": "gum"}}
	raw, err := doc.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != doc.ID || decoded.Body["description"] != "gum" {
		t.Fatalf("unexpected decoded document: %+v", decoded)
	}
	if _, err := Unmarshal([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}
