// Package reply turns raw upstream model output into the deterministic,
// sanitized, non-repeating text that is stored in history and returned to
// clients. Pure functions only; callers decide when to log or store.
package reply

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/key2drive/wally-gateway/pkg/gateway/catalog"
	"github.com/key2drive/wally-gateway/pkg/gateway/turnctx"
)

const (
	maxReplyChars = 420

	priceOnRequest = "Preis auf Anfrage"

	fallbackGeneric = "Ich habe dich akustisch nicht klar verstanden. " +
		"Sag bitte in einem Satz Kunde, Fahrzeugwunsch und Budget."
	fallbackScoped = "Das habe ich akustisch nicht klar verstanden. " +
		"Stell deine Frage zu diesem Fahrzeug bitte noch einmal in einem Satz."
	outOfScopeReply = "Dieser Code gilt nur fuer dieses eine Fahrzeug. " +
		"Fuer andere Modelle sprich bitte direkt das Autohaus an."
)

var (
	// No \b after the symbol branch: € is a non-word rune, so a boundary
	// there would require a following word character and never match "24 €.".
	currencyRe = regexp.MustCompile(`(?i)\d[\d.,]*\s*(?:euro\b|eur\b|€)`)
	fenceRe    = regexp.MustCompile("(?s)```.*?```|```.*$")
	kvLineRe   = regexp.MustCompile(`(?m)^\s*[A-Za-z_][\w-]{0,24}\s*[:=]\s*\S.*$`)
)

// Input carries everything the stabilizer may consult for one turn.
type Input struct {
	RawText    string
	Transcript string
	Ctx        turnctx.Context
}

// Stabilize produces the final reply text for a completed turn. It never
// returns an empty string. The second result reports that the text was
// replaced wholesale (deterministic answer, fallback, anti-repeat rewrite)
// rather than cleaned up, so callers drop model audio that no longer says
// what the text says.
func Stabilize(in Input) (string, bool) {
	if text, ok := deterministicAnswer(in.Transcript, in.Ctx); ok {
		return dedupeAgainstHistory(text, in, true)
	}

	text := sanitize(in.RawText)
	if text == "" || isNoise(text) {
		if in.Ctx.SingleVehicle {
			return fallbackScoped, true
		}
		return fallbackGeneric, true
	}
	return dedupeAgainstHistory(text, in, false)
}

// Deterministic returns the domain answer for a transcript when a rule
// fires. Used to short-circuit an upstream turn as soon as the transcript
// arrives, before the model finishes streaming.
func Deterministic(transcript string, ctx turnctx.Context) (string, bool) {
	return deterministicAnswer(transcript, ctx)
}

// deterministicAnswer answers directly from the transcript and catalog data
// when a domain rule fires. First match wins.
func deterministicAnswer(transcript string, ctx turnctx.Context) (string, bool) {
	kind := catalog.Classify(transcript)
	if kind == catalog.KindUnknown {
		return "", false
	}

	scopedTo := ctx.Focused
	if ctx.SingleVehicle && scopedTo == nil && len(ctx.Profiles) == 1 {
		scopedTo = &ctx.Profiles[0]
	}

	switch kind {
	case catalog.KindGreeting:
		if scopedTo != nil {
			return fmt.Sprintf("Hallo! Ich bin WALLY und berate dich zum %s. Was moechtest du wissen?", scopedTo.DisplayName()), true
		}
		return "Hallo! Ich bin WALLY, dein Verkaufsberater. Welches Fahrzeug oder Budget schwebt dir vor?", true
	case catalog.KindThanks:
		return "Sehr gerne! Wenn du magst, vereinbaren wir direkt eine Probefahrt als naechsten Schritt.", true
	case catalog.KindPrice:
		if scopedTo != nil {
			return fmt.Sprintf("Fuer den %s gilt: %s. Soll ich dir ein konkretes Finanzierungsangebot vorbereiten lassen?", scopedTo.DisplayName(), priceOnRequest), true
		}
		return priceOnRequest + ". Nenn mir Fahrzeug und Budget, dann bereite ich den naechsten Schritt vor.", true
	case catalog.KindEquipment:
		if p := answerVehicle(transcript, ctx); p != nil {
			if eq := firstLines(p.EquipmentText, 3); eq != "" {
				return fmt.Sprintf("Der %s bringt unter anderem mit: %s.", p.DisplayName(), eq), true
			}
			return fmt.Sprintf("Zum %s liegt mir keine Ausstattungsliste vor. Das Autohaus reicht sie dir gerne nach.", p.DisplayName()), true
		}
	case catalog.KindMileage:
		if p := answerVehicle(transcript, ctx); p != nil && p.KM > 0 {
			return fmt.Sprintf("Der %s hat %d km auf dem Tacho.", p.DisplayName(), p.KM), true
		}
	case catalog.KindPower:
		if p := answerVehicle(transcript, ctx); p != nil && p.Horsepower > 0 {
			return fmt.Sprintf("Der %s leistet %d PS.", p.DisplayName(), p.Horsepower), true
		}
	case catalog.KindYear:
		if p := answerVehicle(transcript, ctx); p != nil && p.Year > 0 {
			return fmt.Sprintf("Der %s ist Baujahr %d.", p.DisplayName(), p.Year), true
		}
	case catalog.KindWhichVehicle:
		if scopedTo != nil {
			return fmt.Sprintf("Das ist der %s%s.", scopedTo.DisplayName(), profileFacts(*scopedTo)), true
		}
	case catalog.KindVehicleQuery:
		return searchAnswer(transcript, ctx)
	}
	return "", false
}

// answerVehicle resolves which vehicle a fact question is about: the focused
// vehicle when scoped, else a unique mention in the transcript.
func answerVehicle(transcript string, ctx turnctx.Context) *catalog.Profile {
	if ctx.Focused != nil {
		return ctx.Focused
	}
	if ctx.SingleVehicle && len(ctx.Profiles) == 1 {
		return &ctx.Profiles[0]
	}
	matches := catalog.FindMentioned(transcript, ctx.Profiles)
	if len(matches) == 1 {
		return &matches[0].Profile
	}
	return nil
}

func searchAnswer(transcript string, ctx turnctx.Context) (string, bool) {
	if ctx.SingleVehicle {
		// A scoped conversation never searches the full catalog.
		if ctx.Focused != nil {
			matches := catalog.FindMentioned(transcript, []catalog.Profile{*ctx.Focused})
			if len(matches) > 0 {
				return fmt.Sprintf("Ja, genau um den %s geht es hier. Was moechtest du dazu wissen?", ctx.Focused.DisplayName()), true
			}
		}
		return outOfScopeReply, true
	}

	matches := catalog.FindMentioned(transcript, ctx.Profiles)
	if len(matches) > 0 {
		p := matches[0].Profile
		if len(matches) == 1 {
			return fmt.Sprintf("Ja, den haben wir: %s%s. Soll ich eine Probefahrt anfragen?", p.DisplayName(), profileFacts(p)), true
		}
		names := make([]string, 0, len(matches))
		for i, m := range matches {
			if i == 3 {
				break
			}
			names = append(names, m.Profile.DisplayName())
		}
		return fmt.Sprintf("Da habe ich %d Treffer, zum Beispiel %s. Welcher passt am besten?", len(matches), strings.Join(names, ", ")), true
	}

	if brand, ok := catalog.MentionsUnknownBrand(transcript, ctx.Profiles); ok {
		return fmt.Sprintf("Von %s haben wir aktuell leider nichts im Bestand. Soll ich dir eine Alternative in der gleichen Klasse zeigen?", brand), true
	}
	if looksLikeVehicleMention(transcript) {
		return "Das Modell haben wir aktuell leider nicht im Bestand. Nenn mir Budget und Fahrzeugklasse, dann schlage ich dir eine Alternative vor.", true
	}
	return "", false
}

// looksLikeVehicleMention guards the negative search reply: the query asked
// for something, contains a plausible model token, and we found nothing.
func looksLikeVehicleMention(transcript string) bool {
	for _, tok := range catalog.Tokens(transcript) {
		switch tok {
		case "habt", "ihr", "haben", "sie", "gibt", "es", "einen", "eine", "ein",
			"auto", "wagen", "fahrzeug", "suche", "ich", "brauche", "noch", "auch", "denn":
			continue
		}
		if len(tok) >= 4 {
			return true
		}
	}
	return false
}

func profileFacts(p catalog.Profile) string {
	var parts []string
	if p.Year > 0 {
		parts = append(parts, fmt.Sprintf("Baujahr %d", p.Year))
	}
	if p.KM > 0 {
		parts = append(parts, fmt.Sprintf("%d km", p.KM))
	}
	if p.Horsepower > 0 {
		parts = append(parts, fmt.Sprintf("%d PS", p.Horsepower))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func firstLines(text string, n int) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return strings.Join(out, ", ")
}

// sanitize cleans raw model output: code fences and key/value artifacts go,
// currency amounts become "Preis auf Anfrage", whitespace collapses, and the
// result is truncated at a word boundary.
func sanitize(raw string) string {
	text := fenceRe.ReplaceAllString(raw, " ")
	text = kvLineRe.ReplaceAllStringFunc(text, func(line string) string {
		// Keep lines that read like prose; only short key:value fragments
		// without sentence punctuation are artifacts.
		if strings.ContainsAny(line, ".!?") || len(strings.Fields(line)) > 6 {
			return line
		}
		return ""
	})
	text = currencyRe.ReplaceAllString(text, priceOnRequest)
	text = strings.Join(strings.Fields(text), " ")

	if len([]rune(text)) > maxReplyChars {
		runes := []rune(text)
		cut := string(runes[:maxReplyChars])
		if idx := strings.LastIndex(cut, " "); idx > maxReplyChars/2 {
			cut = cut[:idx]
		}
		text = strings.TrimSpace(cut)
	}
	return strings.TrimSpace(text)
}

// isNoise reports whether text is non-linguistic: no letters at all, or
// more symbol characters than letters.
func isNoise(text string) bool {
	var letters, symbols int
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsSpace(r) || unicode.IsDigit(r):
		default:
			symbols++
		}
	}
	if letters == 0 {
		return true
	}
	return symbols > letters
}

// NormalizedForCompare reduces text for duplicate detection.
func NormalizedForCompare(text string) string {
	return catalog.Normalize(text)
}

// IsNearDuplicate matches the original backend's rule: equal normalized
// text, or containment once both sides are reasonably long.
func IsNearDuplicate(current, previous string) bool {
	a := NormalizedForCompare(current)
	b := NormalizedForCompare(previous)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) >= 24 && len(b) >= 24 && (strings.Contains(a, b) || strings.Contains(b, a)) {
		return true
	}
	return false
}

// dedupeAgainstHistory replaces a verbatim repeat of the previous assistant
// turn with a rephrased variant that still carries the key vehicle fact.
func dedupeAgainstHistory(candidate string, in Input, rewritten bool) (string, bool) {
	prev := lastAssistantText(in.Ctx.History)
	if prev == "" || !IsNearDuplicate(candidate, prev) {
		return candidate, rewritten
	}
	return rephrased(in), true
}

func lastAssistantText(history []turnctx.Exchange) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" && strings.TrimSpace(history[i].Text) != "" {
			return history[i].Text
		}
	}
	return ""
}

// rephrased builds the anti-repeat variant. It keeps the vehicle's key fact
// (model/id/equipment) but changes the framing to a next sales step.
func rephrased(in Input) string {
	p := in.Ctx.Focused
	if p == nil && len(in.Ctx.Profiles) > 0 {
		p = &in.Ctx.Profiles[0]
	}
	if p != nil {
		fact := firstLines(p.EquipmentText, 1)
		if fact == "" {
			fact = strings.TrimSpace(p.Model)
		}
		if fact == "" {
			fact = strings.TrimSpace(p.ID)
		}
		if fact != "" {
			return fmt.Sprintf("Anders gesagt: beim %s ist %s der Punkt, der fuer dich zaehlt. Naechster Schritt waere eine Probefahrt - passt das?", p.DisplayName(), fact)
		}
		return fmt.Sprintf("Kurz zusammengefasst bleibt der %s meine Empfehlung. Sollen wir einen Termin im Autohaus festmachen?", p.DisplayName())
	}
	heard := strings.Join(strings.Fields(in.Transcript), " ")
	if heard != "" {
		if runes := []rune(heard); len(runes) > 90 {
			heard = string(runes[:90])
		}
		return fmt.Sprintf("Verstanden: %s. Fuer den naechsten Verkaufsschritt: ist es Privatkunde oder Gewerbe und welches Budget ist gesetzt?", heard)
	}
	return fallbackGeneric
}
