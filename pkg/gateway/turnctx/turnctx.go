// Package turnctx merges per-request vehicle data with the cached inventory
// into the immutable context that seeds upstream instructions for a turn.
package turnctx

import (
	"fmt"
	"strings"

	"github.com/key2drive/wally-gateway/pkg/gateway/catalog"
)

const (
	// Budget constants carried over from the original backend.
	MaxHistoryTurns        = 8
	maxHistoryTextChars    = 260
	maxCatalogContextChars = 7000
	maxProfiles            = 24

	salesSystemPrompt = "Du bist WALLY, ein Spezialagent fuer Autoverkauf und Flottenberatung in Deutschland. " +
		"Antworte auf Deutsch, kurz, klar, umsetzbar. " +
		"Prioritaet: Bedarf analysieren, passende Fahrzeuge empfehlen, Finanzierungsoptionen erklaeren, " +
		"Einwaende behandeln, Abschluss naechsten Schritt definieren. " +
		"Arbeite loesungsorientiert wie ein starker Autoverkaeufer-Coach. " +
		"Nenne wenn sinnvoll konkrete Fragen, damit der Verkauf schneller zum Abschluss kommt. " +
		"Keine Floskeln, keine Wiederholungen, maximal 2-4 kurze Saetze."

	antiRepeatNote = "WICHTIG: Wiederhole nicht wortgleich die letzte Assistant-Antwort. " +
		"Variiere Formulierung und liefere pro Antwort einen neuen konkreten Schritt. " +
		"Wenn Audio unklar ist, sag das kurz und bitte um Wiederholung."

	singleVehicleNote = "Dieses Gespraech ist auf genau ein Fahrzeug beschraenkt. " +
		"Beantworte nur Fragen zu diesem Fahrzeug und verweise bei anderen Fahrzeugwuenschen auf das Autohaus."
)

// Exchange is one history entry.
type Exchange struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Update is the context payload a client or one-shot request may supply.
type Update struct {
	Profiles          []catalog.Profile
	CurrentVehicle    *catalog.Profile
	VehicleID         string
	SingleVehicleMode bool
	RawContext        string
	History           []Exchange
}

// Context is the immutable per-conversation snapshot used for a turn.
type Context struct {
	Profiles      []catalog.Profile
	Focused       *catalog.Profile
	SingleVehicle bool
	Instructions  string
	History       []Exchange
}

// Build merges an update with the inventory snapshot. Explicit profiles win
// over inventory entries on id+model collisions; order is explicit first,
// then remaining inventory.
func Build(up Update, inventory []catalog.Profile) Context {
	merged := make([]catalog.Profile, 0, len(up.Profiles)+len(inventory))
	seen := make(map[string]struct{})
	for _, p := range up.Profiles {
		p = catalog.Sanitize(p)
		key := p.MergeKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, p)
	}
	for _, p := range inventory {
		key := p.MergeKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, p)
	}
	if len(merged) > maxProfiles {
		merged = merged[:maxProfiles]
	}

	focusedID := strings.TrimSpace(up.VehicleID)
	var focused *catalog.Profile
	if up.CurrentVehicle != nil {
		p := catalog.Sanitize(*up.CurrentVehicle)
		focused = &p
		if focusedID == "" {
			focusedID = p.ID
		}
	} else if focusedID != "" {
		focused = resolveFocused(focusedID, merged)
	}

	scoped := up.SingleVehicleMode || focused != nil

	history := up.History
	if len(history) > MaxHistoryTurns {
		history = history[len(history)-MaxHistoryTurns:]
	}
	bounded := make([]Exchange, 0, len(history))
	for _, ex := range history {
		text := strings.TrimSpace(ex.Text)
		if text == "" {
			continue
		}
		bounded = append(bounded, Exchange{Role: normalizeRole(ex.Role), Text: text})
	}

	return Context{
		Profiles:      merged,
		Focused:       focused,
		SingleVehicle: scoped,
		Instructions:  composeInstructions(merged, focused, scoped, up.RawContext, bounded),
		History:       bounded,
	}
}

func normalizeRole(role string) string {
	if strings.EqualFold(strings.TrimSpace(role), "assistant") {
		return "assistant"
	}
	return "user"
}

// resolveFocused finds the vehicle a scoped conversation is about: exact id
// first, substring second, else a synthetic placeholder so the scope note
// still names something.
func resolveFocused(id string, profiles []catalog.Profile) *catalog.Profile {
	for i := range profiles {
		if strings.EqualFold(profiles[i].ID, id) {
			return &profiles[i]
		}
	}
	needle := catalog.Normalize(id)
	if needle != "" {
		for i := range profiles {
			if strings.Contains(catalog.Normalize(profiles[i].ID), needle) ||
				strings.Contains(catalog.Normalize(profiles[i].Title), needle) ||
				strings.Contains(catalog.Normalize(profiles[i].Model), needle) {
				return &profiles[i]
			}
		}
	}
	return &catalog.Profile{ID: id, Title: "Fahrzeug " + id}
}

func composeInstructions(profiles []catalog.Profile, focused *catalog.Profile, scoped bool, rawContext string, history []Exchange) string {
	sections := []string{salesSystemPrompt}

	if scoped {
		sections = append(sections, singleVehicleNote)
	}
	if focused != nil {
		sections = append(sections, "Aktuelles Fahrzeug:\n"+profileNarrative(*focused))
	}

	if listing := profileListing(profiles); listing != "" {
		sections = append(sections, "Aktuelle Fahrzeugdaten aus Key2Drive (verwende diese Daten bevorzugt):\n"+listing)
	} else if raw := strings.TrimSpace(rawContext); raw != "" {
		raw = capRunes(raw, maxCatalogContextChars)
		sections = append(sections, "Aktuelle Fahrzeugdaten aus Key2Drive (verwende diese Daten bevorzugt):\n"+raw)
	}

	if lines := historyLines(history); len(lines) > 0 {
		sections = append(sections, "Bisheriger Verlauf:\n"+strings.Join(lines, "\n"))
	}

	sections = append(sections, antiRepeatNote)
	return strings.Join(sections, "\n\n")
}

func profileNarrative(p catalog.Profile) string {
	parts := []string{p.DisplayName()}
	if p.Year > 0 {
		parts = append(parts, fmt.Sprintf("Baujahr %d", p.Year))
	}
	if p.KM > 0 {
		parts = append(parts, fmt.Sprintf("%d km", p.KM))
	}
	if p.Horsepower > 0 {
		parts = append(parts, fmt.Sprintf("%d PS", p.Horsepower))
	}
	if p.Fuel != "" {
		parts = append(parts, p.Fuel)
	}
	line := strings.Join(parts, ", ")
	if eq := strings.TrimSpace(p.EquipmentText); eq != "" {
		line += "\nAusstattung: " + eq
	}
	if vt := strings.TrimSpace(p.VehicleText); vt != "" {
		line += "\n" + vt
	}
	return line
}

func profileListing(profiles []catalog.Profile) string {
	if len(profiles) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range profiles {
		line := "- " + p.DisplayName()
		if p.Year > 0 {
			line += fmt.Sprintf(" | Baujahr %d", p.Year)
		}
		if p.KM > 0 {
			line += fmt.Sprintf(" | %d km", p.KM)
		}
		if p.Horsepower > 0 {
			line += fmt.Sprintf(" | %d PS", p.Horsepower)
		}
		if p.Fuel != "" {
			line += " | " + p.Fuel
		}
		if p.Link != "" {
			line += " | " + p.Link
		}
		if b.Len()+len(line)+1 > maxCatalogContextChars {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func historyLines(history []Exchange) []string {
	var out []string
	for _, ex := range history {
		text := capRunes(ex.Text, maxHistoryTextChars)
		role := "USER"
		if ex.Role == "assistant" {
			role = "ASSISTANT"
		}
		out = append(out, role+": "+text)
	}
	return out
}

func capRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
