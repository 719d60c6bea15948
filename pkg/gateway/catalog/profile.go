package catalog

import "strings"

const (
	maxFreeTextChars = 1200
)

// Profile is one normalized vehicle catalog entry. Profiles are immutable
// once built; Sanitize is applied when they enter the system (inventory load
// or client payload).
type Profile struct {
	ID            string `json:"id"`
	Brand         string `json:"brand"`
	Model         string `json:"model"`
	Title         string `json:"title"`
	Year          int    `json:"year,omitempty"`
	KM            int    `json:"km,omitempty"`
	Horsepower    int    `json:"horsepower,omitempty"`
	Fuel          string `json:"fuel,omitempty"`
	Link          string `json:"link,omitempty"`
	VehicleText   string `json:"vehicleText,omitempty"`
	EquipmentText string `json:"equipmentText,omitempty"`
}

// DisplayName prefers the listing title and falls back to brand+model.
func (p Profile) DisplayName() string {
	if t := strings.TrimSpace(p.Title); t != "" {
		return t
	}
	name := strings.TrimSpace(strings.TrimSpace(p.Brand) + " " + strings.TrimSpace(p.Model))
	if name != "" {
		return name
	}
	return strings.TrimSpace(p.ID)
}

// MergeKey is the identity used when explicit profiles override inventory
// entries: same id and model means same vehicle.
func (p Profile) MergeKey() string {
	return strings.ToLower(strings.TrimSpace(p.ID)) + "|" + strings.ToLower(strings.TrimSpace(p.Model))
}

// Sanitize trims fields and bounds the free-text blocks so a profile can
// never blow up the upstream instruction budget.
func Sanitize(p Profile) Profile {
	p.ID = strings.TrimSpace(p.ID)
	p.Brand = strings.TrimSpace(p.Brand)
	p.Model = strings.TrimSpace(p.Model)
	p.Title = strings.TrimSpace(p.Title)
	p.Fuel = strings.TrimSpace(p.Fuel)
	p.Link = strings.TrimSpace(p.Link)
	p.VehicleText = capText(dedupeLines(p.VehicleText), maxFreeTextChars)
	p.EquipmentText = capText(dedupeLines(p.EquipmentText), maxFreeTextChars)
	return p
}

// dedupeLines removes repeated lines while preserving first-seen order.
// Scraped listing text tends to repeat equipment bullets verbatim.
func dedupeLines(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key := strings.ToLower(line)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func capText(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndexAny(cut, " \n"); idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
