package session

import (
	"maps"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/visagekit/visage/internal/avatar"
	"github.com/visagekit/visage/pkg/types"
)

// Preset is a named, curated look: the whole outfit plus an accessory list.
// Applying one replaces both, leaving appearance and brand untouched.
type Preset struct {
	Name        string
	Description string
	Outfit      avatar.Outfit
	Accessories []string
}

var presets = map[string]Preset{
	"professional": {
		Name:        "professional",
		Description: "tailored business look",
		Outfit:      avatar.Outfit{Style: "suit", Category: "business", Color: "charcoal", Material: "wool", Fit: "tailored"},
		Accessories: []string{"wristwatch"},
	},
	"casual": {
		Name:        "casual",
		Description: "relaxed everyday wear",
		Outfit:      avatar.Outfit{Style: "tshirt-jeans", Category: "everyday", Color: "navy", Material: "cotton", Fit: "relaxed"},
	},
	"sporty": {
		Name:        "sporty",
		Description: "athletic training gear",
		Outfit:      avatar.Outfit{Style: "tracksuit", Category: "athletic", Color: "red", Material: "polyester", Fit: "athletic"},
		Accessories: []string{"cap"},
	},
	"elegant": {
		Name:        "elegant",
		Description: "formal evening attire",
		Outfit:      avatar.Outfit{Style: "formal", Category: "evening", Color: "black", Material: "silk", Fit: "slim"},
		Accessories: []string{"silver-brooch"},
	},
}

// Presets lists the available preset names, sorted.
func Presets() []string {
	return slices.Sorted(maps.Keys(presets))
}

// lookupPreset resolves name, case-insensitively. Unknown names return a
// NotFoundError hinting at the closest known preset.
func lookupPreset(name string) (Preset, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := presets[key]; ok {
		return p, nil
	}
	return Preset{}, &types.NotFoundError{Kind: "preset", ID: name, Hint: closestPreset(key)}
}

// closestPreset suggests the most similar preset name, or empty when nothing
// comes close.
func closestPreset(name string) string {
	best, bestScore := "", 0.0
	for _, candidate := range Presets() {
		if score := matchr.JaroWinkler(name, candidate, false); score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore < 0.75 {
		return ""
	}
	return best
}
