package cel

import (
	"testing"
)

func TestStringEquality(t *testing.T) {
	keys := map[string]bool{"supplier": true, "batch": true}
	f, err := Compile(`supplier == "nordic timber"`, keys)
	if err != nil {
		t.Fatal(err)
	}

	if !f.Match(map[string]any{"supplier": "nordic timber", "batch": "B-7"}) {
		t.Error("expected match")
	}
	if f.Match(map[string]any{"supplier": "baltic steel", "batch": "B-7"}) {
		t.Error("expected no match")
	}
}

func TestNumericComparison(t *testing.T) {
	keys := map[string]bool{"price": true, "supplier": true}
	f, err := Compile(`price > 1000`, keys)
	if err != nil {
		t.Fatal(err)
	}

	if !f.Match(map[string]any{"price": int64(5000), "supplier": "nordic timber"}) {
		t.Error("expected match for 5000 > 1000")
	}
	if f.Match(map[string]any{"price": int64(500), "supplier": "nordic timber"}) {
		t.Error("expected no match for 500 > 1000")
	}
}

func TestStringContains(t *testing.T) {
	keys := map[string]bool{"name": true}
	f, err := Compile(`name.contains("pipe")`, keys)
	if err != nil {
		t.Fatal(err)
	}

	if !f.Match(map[string]any{"name": "copper pipe 22mm"}) {
		t.Error("expected match")
	}
	if f.Match(map[string]any{"name": "oak plank"}) {
		t.Error("expected no match")
	}
}

func TestMissingKeyReturnsFalse(t *testing.T) {
	keys := map[string]bool{"supplier": true, "batch": true}
	f, err := Compile(`supplier == "nordic timber" && batch == "B-7"`, keys)
	if err != nil {
		t.Fatal(err)
	}

	// Missing "batch" key — should return false, not error
	if f.Match(map[string]any{"supplier": "nordic timber"}) {
		t.Error("expected false for missing key")
	}
}

func TestCompoundExpression(t *testing.T) {
	keys := map[string]bool{"supplier": true, "price": true, "batch": true}
	f, err := Compile(`supplier == "nordic timber" && price > 1000 && batch == "B-7"`, keys)
	if err != nil {
		t.Fatal(err)
	}

	if !f.Match(map[string]any{
		"supplier": "nordic timber",
		"price":    int64(5000),
		"batch":    "B-7",
	}) {
		t.Error("expected match")
	}

	if f.Match(map[string]any{
		"supplier": "nordic timber",
		"price":    int64(500),
		"batch":    "B-7",
	}) {
		t.Error("expected no match for low price")
	}
}

func TestCompileError(t *testing.T) {
	keys := map[string]bool{"x": true}
	_, err := Compile(`invalid syntax !!!`, keys)
	if err == nil {
		t.Error("expected compile error")
	}
}

func TestEmptyAttrs(t *testing.T) {
	keys := map[string]bool{"x": true}
	f, err := Compile(`x == "hello"`, keys)
	if err != nil {
		t.Fatal(err)
	}
	if f.Match(map[string]any{}) {
		t.Error("expected false for empty attrs")
	}
}
