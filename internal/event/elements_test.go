package event

import "testing"

func autocaptureProps() map[string]any {
	return map[string]any{
		"$elements": []any{
			map[string]any{
				"tag_name":    "a",
				"$el_text":    "Sign up",
				"nth_child":   float64(1),
				"nth_of_type": float64(2),
				"attr__class": "btn btn-primary",
				"attr__href":  "/signup",
			},
			map[string]any{
				"tag_name":  "div",
				"attr__id":  "hero",
				"nth_child": float64(3),
			},
		},
	}
}

func TestExtractElements(t *testing.T) {
	elements := ExtractElements(autocaptureProps())
	if len(elements) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elements))
	}

	first := elements[0]
	if first.TagName != "a" || first.Text != "Sign up" || first.Href != "/signup" {
		t.Fatalf("first element not extracted: %+v", first)
	}
	if len(first.AttrClass) != 2 || first.AttrClass[0] != "btn" {
		t.Fatalf("classes not split: %v", first.AttrClass)
	}
	if first.NthChild != 1 || first.NthOfType != 2 {
		t.Fatalf("nth fields wrong: %+v", first)
	}
	if first.Order != 0 || elements[1].Order != 1 {
		t.Fatalf("element order not preserved")
	}
	if elements[1].AttrID != "hero" {
		t.Fatalf("attr_id not promoted: %+v", elements[1])
	}
	if _, ok := elements[1].Attributes["attr__id"]; !ok {
		t.Fatalf("raw attributes not kept")
	}
}

func TestExtractElementsAbsent(t *testing.T) {
	if got := ExtractElements(map[string]any{"a": 1}); got != nil {
		t.Fatalf("expected nil for events without elements, got %v", got)
	}
}

func TestHashElementsStableAcrossEquivalentInput(t *testing.T) {
	a := ExtractElements(autocaptureProps())
	b := ExtractElements(autocaptureProps())
	if HashElements(a) != HashElements(b) {
		t.Fatalf("equal element sets must hash equal")
	}

	mutated := autocaptureProps()
	mutated["$elements"].([]any)[0].(map[string]any)["attr__href"] = "/other"
	c := ExtractElements(mutated)
	if HashElements(a) == HashElements(c) {
		t.Fatalf("different element sets should hash differently")
	}
}

func TestChainStringSortsClassesAndAttributes(t *testing.T) {
	props := map[string]any{
		"$elements": []any{
			map[string]any{
				"tag_name":    "a",
				"attr__class": "zeta alpha",
			},
		},
	}
	chain := ChainString(ExtractElements(props))
	if chain != `a.alpha.zeta:attr__class="zeta alpha"nth-child="0"nth-of-type="0"` {
		t.Fatalf("unexpected chain %q", chain)
	}
}
