package session

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/visagekit/visage/internal/avatar"
	"github.com/visagekit/visage/pkg/types"
)

// Patch is one validated customization change. Patches are pure merges: they
// never fail and never touch fields outside their category, so a session's
// history can be replayed deterministically from its original snapshot.
type Patch interface {
	// Category is the change class recorded in history and preferences.
	Category() string

	// apply merges the change into cfg.
	apply(cfg *avatar.Configuration)

	// changes is the condensed field view persisted to preferences.
	changes() map[string]string
}

// Allow-lists per customization category. Payload keys outside the list for
// their category are rejected before any merge.
var (
	appearanceFields = map[string]bool{
		"gender": true, "ethnicity": true, "ageBracket": true, "faceShape": true,
		"eyeColor": true, "hairColor": true, "hairStyle": true, "skinTone": true,
	}
	clothingFields = map[string]bool{
		"style": true, "category": true, "color": true, "material": true, "fit": true,
	}
	accessoryOps = map[string]bool{
		"add": true, "remove": true, "set": true,
	}
	brandFields = map[string]bool{
		"primaryColor": true, "secondaryColor": true, "accentColor": true,
	}
)

var hexColorRE = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type appearancePatch struct {
	fields map[string]string
}

func (appearancePatch) Category() string { return "appearance" }

func (p appearancePatch) apply(cfg *avatar.Configuration) {
	for field, value := range p.fields {
		switch field {
		case "gender":
			cfg.Appearance.Gender = value
		case "ethnicity":
			cfg.Appearance.Ethnicity = value
		case "ageBracket":
			cfg.Appearance.AgeBracket = value
		case "faceShape":
			cfg.Appearance.FaceShape = value
		case "eyeColor":
			cfg.Appearance.EyeColor = value
		case "hairColor":
			cfg.Appearance.HairColor = value
		case "hairStyle":
			cfg.Appearance.HairStyle = value
		case "skinTone":
			cfg.Appearance.SkinTone = value
		}
	}
}

func (p appearancePatch) changes() map[string]string { return maps.Clone(p.fields) }

func parseAppearance(payload map[string]any) (Patch, error) {
	fields, err := stringFields("appearance", payload, appearanceFields)
	if err != nil {
		return nil, err
	}
	return appearancePatch{fields: fields}, nil
}

type clothingPatch struct {
	fields map[string]string
}

func (clothingPatch) Category() string { return "clothing" }

func (p clothingPatch) apply(cfg *avatar.Configuration) {
	for field, value := range p.fields {
		switch field {
		case "style":
			cfg.Outfit.Style = value
		case "category":
			cfg.Outfit.Category = value
		case "color":
			cfg.Outfit.Color = value
		case "material":
			cfg.Outfit.Material = value
		case "fit":
			cfg.Outfit.Fit = value
		}
	}
}

func (p clothingPatch) changes() map[string]string { return maps.Clone(p.fields) }

func parseClothing(payload map[string]any) (Patch, error) {
	fields, err := stringFields("clothing", payload, clothingFields)
	if err != nil {
		return nil, err
	}
	return clothingPatch{fields: fields}, nil
}

// accessoriesPatch applies set first, then add (skipping duplicates), then
// remove. A non-nil empty set clears the list.
type accessoriesPatch struct {
	set    []string
	add    []string
	remove []string
}

func (accessoriesPatch) Category() string { return "accessories" }

func (p accessoriesPatch) apply(cfg *avatar.Configuration) {
	list := slices.Clone(cfg.Accessories)
	if p.set != nil {
		list = slices.Clone(p.set)
	}
	for _, item := range p.add {
		if !slices.Contains(list, item) {
			list = append(list, item)
		}
	}
	if len(p.remove) > 0 {
		list = slices.DeleteFunc(list, func(item string) bool {
			return slices.Contains(p.remove, item)
		})
	}
	cfg.Accessories = list
}

func (p accessoriesPatch) changes() map[string]string {
	out := make(map[string]string)
	if p.set != nil {
		out["set"] = strings.Join(p.set, ",")
	}
	if len(p.add) > 0 {
		out["add"] = strings.Join(p.add, ",")
	}
	if len(p.remove) > 0 {
		out["remove"] = strings.Join(p.remove, ",")
	}
	return out
}

func parseAccessories(payload map[string]any) (Patch, error) {
	if len(payload) == 0 {
		return nil, &types.ValidationError{Field: "accessories", Reason: "empty change payload"}
	}
	var p accessoriesPatch
	for _, key := range slices.Sorted(maps.Keys(payload)) {
		if !accessoryOps[key] {
			return nil, &types.ValidationError{Field: "accessories." + key, Reason: "unknown field"}
		}
		list, err := stringList("accessories."+key, payload[key])
		if err != nil {
			return nil, err
		}
		switch key {
		case "set":
			p.set = list
		case "add":
			p.add = list
		case "remove":
			p.remove = list
		}
	}
	return p, nil
}

type brandPatch struct {
	fields map[string]string
}

func (brandPatch) Category() string { return "brand" }

func (p brandPatch) apply(cfg *avatar.Configuration) {
	for field, value := range p.fields {
		switch field {
		case "primaryColor":
			cfg.Brand.PrimaryColor = value
		case "secondaryColor":
			cfg.Brand.SecondaryColor = value
		case "accentColor":
			cfg.Brand.AccentColor = value
		}
	}
}

func (p brandPatch) changes() map[string]string { return maps.Clone(p.fields) }

func parseBrand(payload map[string]any) (Patch, error) {
	fields, err := stringFields("brand", payload, brandFields)
	if err != nil {
		return nil, err
	}
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		if !hexColorRE.MatchString(fields[key]) {
			return nil, &types.ValidationError{
				Field:  "brand." + key,
				Reason: fmt.Sprintf("%q is not a #RRGGBB hex color", fields[key]),
			}
		}
	}
	return brandPatch{fields: fields}, nil
}

// presetPatch replaces the outfit and accessory list with the preset's
// curated bundle.
type presetPatch struct {
	preset Preset
}

func (presetPatch) Category() string { return "preset" }

func (p presetPatch) apply(cfg *avatar.Configuration) {
	cfg.Outfit = p.preset.Outfit
	cfg.Accessories = slices.Clone(p.preset.Accessories)
}

func (presetPatch) changes() map[string]string { return nil }

// stringFields validates payload keys against allowed and coerces every
// value to a non-blank string. Keys are checked in sorted order so the
// reported field is deterministic.
func stringFields(category string, payload map[string]any, allowed map[string]bool) (map[string]string, error) {
	if len(payload) == 0 {
		return nil, &types.ValidationError{Field: category, Reason: "empty change payload"}
	}
	out := make(map[string]string, len(payload))
	for _, key := range slices.Sorted(maps.Keys(payload)) {
		if !allowed[key] {
			return nil, &types.ValidationError{Field: category + "." + key, Reason: "unknown field"}
		}
		s, ok := payload[key].(string)
		if !ok {
			return nil, &types.ValidationError{
				Field:  category + "." + key,
				Reason: fmt.Sprintf("want a string, got %T", payload[key]),
			}
		}
		if strings.TrimSpace(s) == "" {
			return nil, &types.ValidationError{Field: category + "." + key, Reason: "must not be blank"}
		}
		out[key] = s
	}
	return out, nil
}

// stringList coerces a payload value to a list of non-blank strings. A bare
// string counts as a one-element list; decoded JSON lists arrive as []any.
func stringList(field string, raw any) ([]string, error) {
	var list []string
	switch v := raw.(type) {
	case string:
		list = []string{v}
	case []string:
		list = slices.Clone(v)
	case []any:
		list = make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &types.ValidationError{
					Field:  field,
					Reason: fmt.Sprintf("want a list of strings, got element %T", item),
				}
			}
			list = append(list, s)
		}
	default:
		return nil, &types.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("want a list of strings, got %T", raw),
		}
	}
	for _, item := range list {
		if strings.TrimSpace(item) == "" {
			return nil, &types.ValidationError{Field: field, Reason: "must not contain blank entries"}
		}
	}
	return list, nil
}
