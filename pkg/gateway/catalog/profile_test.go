package catalog

import (
	"strings"
	"testing"
)

func TestDisplayNamePrefersTitle(t *testing.T) {
	p := Profile{Brand: "Volkswagen", Model: "Golf", Title: " VW Golf VII "}
	if got := p.DisplayName(); got != "VW Golf VII" {
		t.Fatalf("DisplayName: got %q", got)
	}
	p.Title = ""
	if got := p.DisplayName(); got != "Volkswagen Golf" {
		t.Fatalf("DisplayName fallback: got %q", got)
	}
	p = Profile{ID: "abc-1"}
	if got := p.DisplayName(); got != "abc-1" {
		t.Fatalf("DisplayName id fallback: got %q", got)
	}
}

func TestSanitizeDedupesAndCapsFreeText(t *testing.T) {
	long := strings.Repeat("Klimaautomatik vorne ", 200)
	p := Sanitize(Profile{
		ID:            " v1 ",
		EquipmentText: "Klimaanlage\nKlimaanlage\n\nSitzheizung\nklimaanlage",
		VehicleText:   long,
	})
	if p.ID != "v1" {
		t.Fatalf("ID not trimmed: %q", p.ID)
	}
	if p.EquipmentText != "Klimaanlage\nSitzheizung" {
		t.Fatalf("dedupe: got %q", p.EquipmentText)
	}
	if len(p.VehicleText) > maxFreeTextChars {
		t.Fatalf("free text not capped: %d chars", len(p.VehicleText))
	}
	if strings.HasSuffix(p.VehicleText, " ") {
		t.Fatalf("cap left trailing whitespace")
	}
}

func TestMergeKeyIsCaseInsensitive(t *testing.T) {
	a := Profile{ID: "V1", Model: "Golf"}
	b := Profile{ID: "v1", Model: "GOLF"}
	if a.MergeKey() != b.MergeKey() {
		t.Fatalf("merge keys differ: %q vs %q", a.MergeKey(), b.MergeKey())
	}
}
