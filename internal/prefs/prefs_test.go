package prefs

import "testing"

func TestMapDropsEmptyFields(t *testing.T) {
	p := Profile{Style: "streetwear", Colors: []string{"black", "olive"}}
	m := p.Map()
	if len(m) != 2 {
		t.Fatalf("map has %d entries, want 2: %v", len(m), m)
	}
	if m["style"] != "streetwear" {
		t.Errorf("style = %q", m["style"])
	}
	if m["colors"] != "black, olive" {
		t.Errorf("colors = %q", m["colors"])
	}
	if _, ok := m["budget"]; ok {
		t.Error("empty budget present in map")
	}
}

func TestMapZeroProfileIsNil(t *testing.T) {
	var p Profile
	if !p.IsZero() {
		t.Fatal("zero profile not reported as zero")
	}
	if m := p.Map(); m != nil {
		t.Fatalf("Map on zero profile = %v, want nil", m)
	}
}
