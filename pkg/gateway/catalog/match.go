package catalog

import "strings"

// QueryKind classifies what a spoken query is asking for.
type QueryKind string

const (
	KindGreeting     QueryKind = "greeting"
	KindThanks       QueryKind = "thanks"
	KindPrice        QueryKind = "price"
	KindEquipment    QueryKind = "equipment"
	KindMileage      QueryKind = "mileage"
	KindPower        QueryKind = "power"
	KindYear         QueryKind = "year"
	KindVehicleQuery QueryKind = "vehicle_query"
	KindWhichVehicle QueryKind = "which_vehicle"
	KindUnknown      QueryKind = "unknown"
)

// brandAliases maps common spoken or misspelled brand tokens to the
// canonical brand name used in catalog data.
var brandAliases = map[string]string{
	"vw":         "Volkswagen",
	"volkswagen": "Volkswagen",
	"volkswagon": "Volkswagen",
	"wolkswagen": "Volkswagen",
	"mercedes":   "Mercedes-Benz",
	"benz":       "Mercedes-Benz",
	"daimler":    "Mercedes-Benz",
	"bmw":        "BMW",
	"audi":       "Audi",
	"opel":       "Opel",
	"skoda":      "Skoda",
	"seat":       "Seat",
	"ford":       "Ford",
	"toyota":     "Toyota",
	"renault":    "Renault",
	"peugeot":    "Peugeot",
	"fiat":       "Fiat",
	"hyundai":    "Hyundai",
	"kia":        "Kia",
	"tesla":      "Tesla",
	"porsche":    "Porsche",
	"mini":       "Mini",
}

// Normalize lowercases, folds German umlauts to their ascii digraphs and
// reduces everything else to space-separated alphanumeric tokens.
func Normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case 'ä':
			b.WriteString("ae")
		case 'ö':
			b.WriteString("oe")
		case 'ü':
			b.WriteString("ue")
		case 'ß':
			b.WriteString("ss")
		default:
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteByte(' ')
			}
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens returns the normalized word list of a query.
func Tokens(s string) []string {
	n := Normalize(s)
	if n == "" {
		return nil
	}
	return strings.Fields(n)
}

// CanonicalBrand resolves a single spoken token to a canonical brand name.
func CanonicalBrand(token string) (string, bool) {
	brand, ok := brandAliases[Normalize(token)]
	return brand, ok
}

// BrandOf returns the canonical brand for a profile, falling back to a
// brand token extracted from model or title when the brand field is empty.
func BrandOf(p Profile) string {
	if b := strings.TrimSpace(p.Brand); b != "" {
		if canon, ok := CanonicalBrand(b); ok {
			return canon
		}
		return b
	}
	for _, tok := range append(Tokens(p.Model), Tokens(p.Title)...) {
		if canon, ok := CanonicalBrand(tok); ok {
			return canon
		}
	}
	return ""
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Classify decides what kind of question a transcript is. First match wins;
// the order mirrors how specific the cues are.
func Classify(transcript string) QueryKind {
	q := Normalize(transcript)
	if q == "" {
		return KindUnknown
	}
	switch {
	case containsAny(q, "danke", "vielen dank", "super danke"):
		return KindThanks
	case containsAny(q, "was ist das fuer ein", "welches fahrzeug", "welches auto ist das", "um welches auto"):
		return KindWhichVehicle
	case containsAny(q, "preis", "kostet", "kosten", "euro", "teuer", "finanzierung", "rate"):
		return KindPrice
	case containsAny(q, "ausstattung", "extras", "sonderausstattung", "serienausstattung", "was hat das auto"):
		return KindEquipment
	case containsAny(q, "kilometer", "laufleistung", "gelaufen", "km stand", "kilometerstand"):
		return KindMileage
	case containsAny(q, "ps", "leistung", "pferdestaerken", "kw"):
		return KindPower
	case containsAny(q, "baujahr", "erstzulassung", "wie alt"):
		return KindYear
	case containsAny(q, "habt ihr", "haben sie", "gibt es", "suche", "suchen", "brauche", "interessiere"):
		return KindVehicleQuery
	case containsAny(q, "hallo", "guten tag", "guten morgen", "servus", "moin", "hi "):
		return KindGreeting
	case q == "hi" || q == "hey":
		return KindGreeting
	default:
		return KindUnknown
	}
}

// Match is a catalog hit for a spoken query.
type Match struct {
	Profile Profile
	// Term is the query token that produced the hit (brand or model).
	Term string
}

// FindMentioned scans a transcript for brand or model mentions and returns
// the matching profiles. Brand recognition goes through the alias table;
// model matching is normalized substring containment in either direction
// guarded by a minimum token length.
func FindMentioned(transcript string, profiles []Profile) []Match {
	toks := Tokens(transcript)
	if len(toks) == 0 || len(profiles) == 0 {
		return nil
	}

	var out []Match
	seen := make(map[string]struct{})
	add := func(p Profile, term string) {
		key := p.MergeKey()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Match{Profile: p, Term: term})
	}

	for _, tok := range toks {
		if canon, ok := CanonicalBrand(tok); ok {
			for _, p := range profiles {
				if strings.EqualFold(BrandOf(p), canon) {
					add(p, tok)
				}
			}
			continue
		}
		if len(tok) < 3 {
			continue
		}
		for _, p := range profiles {
			model := Normalize(p.Model)
			title := Normalize(p.Title)
			if model != "" && (strings.Contains(model, tok) || strings.Contains(tok, model)) {
				add(p, tok)
				continue
			}
			if title != "" && strings.Contains(" "+title+" ", " "+tok+" ") {
				add(p, tok)
			}
		}
	}
	return out
}

// MentionsUnknownBrand reports whether the transcript names a known brand
// alias that has no profile in the catalog. Used to answer brand-existence
// questions in the negative instead of staying silent.
func MentionsUnknownBrand(transcript string, profiles []Profile) (string, bool) {
	for _, tok := range Tokens(transcript) {
		canon, ok := CanonicalBrand(tok)
		if !ok {
			continue
		}
		found := false
		for _, p := range profiles {
			if strings.EqualFold(BrandOf(p), canon) {
				found = true
				break
			}
		}
		if !found {
			return canon, true
		}
	}
	return "", false
}
