// Package avatar implements the configuration and cache engine: it normalizes
// avatar requests, serves previously generated results from a content-hash
// cache, and drives new generations against the render platform under a
// bounded concurrency pool with FIFO overflow queueing.
package avatar

import (
	"maps"
	"slices"
	"time"
)

// Normalization defaults. Every optional field of a [Configuration] resolves
// to one of these before hashing or generation, so configurations that differ
// only in omitted fields share a cache entry.
const (
	DefaultGender     = "neutral"
	DefaultEthnicity  = "unspecified"
	DefaultAgeBracket = "adult"
	DefaultFaceShape  = "oval"
	DefaultEyeColor   = "brown"
	DefaultHairColor  = "brown"
	DefaultHairStyle  = "short"
	DefaultSkinTone   = "medium"

	DefaultOutfitStyle    = "casual"
	DefaultOutfitCategory = "everyday"
	DefaultOutfitColor    = "navy"
	DefaultOutfitMaterial = "cotton"
	DefaultOutfitFit      = "regular"

	DefaultQuality    = "standard"
	DefaultResolution = "1080p"
	DefaultFrameRate  = 30

	DefaultPrimaryColor   = "#4A90D9"
	DefaultSecondaryColor = "#FFFFFF"
	DefaultAccentColor    = "#F5A623"
)

// Appearance holds the physical attributes of an avatar.
type Appearance struct {
	Gender     string `json:"gender"`
	Ethnicity  string `json:"ethnicity"`
	AgeBracket string `json:"ageBracket"`
	FaceShape  string `json:"faceShape"`
	EyeColor   string `json:"eyeColor"`
	HairColor  string `json:"hairColor"`
	HairStyle  string `json:"hairStyle"`
	SkinTone   string `json:"skinTone"`
}

// Outfit describes the avatar's clothing.
type Outfit struct {
	Style    string `json:"style"`
	Category string `json:"category"`
	Color    string `json:"color"`
	Material string `json:"material"`
	Fit      string `json:"fit"`
}

// Brand carries the tenant's color triple. Brand values are applied at render
// time and deliberately excluded from the cache key.
type Brand struct {
	PrimaryColor   string `json:"primaryColor"`
	SecondaryColor string `json:"secondaryColor"`
	AccentColor    string `json:"accentColor"`
}

// Hints carries render quality preferences. Like [Brand], hints do not
// participate in the cache key.
type Hints struct {
	Quality    string `json:"quality"`
	Resolution string `json:"resolution"`
	FrameRate  int    `json:"frameRate"`
}

// Personalization is the face-analysis-derived block attached by
// [Engine.GeneratePersonalized].
type Personalization struct {
	// Measurements are raw facial measurements keyed by feature name.
	Measurements map[string]float64 `json:"measurements"`

	// Ratios relate each measurement to its canonical baseline.
	Ratios map[string]float64 `json:"ratios"`

	// Source identifies where the block came from (e.g., "face-analysis").
	Source string `json:"source"`

	// Confidence is the analysis confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

// Clone returns a deep copy of the personalization block.
func (p *Personalization) Clone() *Personalization {
	if p == nil {
		return nil
	}
	return &Personalization{
		Measurements: maps.Clone(p.Measurements),
		Ratios:       maps.Clone(p.Ratios),
		Source:       p.Source,
		Confidence:   p.Confidence,
	}
}

// Configuration is the full description of a requested avatar. Values are
// immutable by convention: components clone before mutating.
type Configuration struct {
	Appearance  Appearance `json:"appearance"`
	Outfit      Outfit     `json:"outfit"`
	Accessories []string   `json:"accessories"`
	Brand       Brand      `json:"brand"`
	Hints       Hints      `json:"hints"`

	// Personalization is optional; nil means no face-analysis input.
	Personalization *Personalization `json:"personalization,omitempty"`
}

// Normalized returns a copy of c with every unset field resolved to its
// documented default. Accessory order is preserved; accessories are part of
// the configuration's identity.
func (c Configuration) Normalized() Configuration {
	n := c.Clone()

	setDefault(&n.Appearance.Gender, DefaultGender)
	setDefault(&n.Appearance.Ethnicity, DefaultEthnicity)
	setDefault(&n.Appearance.AgeBracket, DefaultAgeBracket)
	setDefault(&n.Appearance.FaceShape, DefaultFaceShape)
	setDefault(&n.Appearance.EyeColor, DefaultEyeColor)
	setDefault(&n.Appearance.HairColor, DefaultHairColor)
	setDefault(&n.Appearance.HairStyle, DefaultHairStyle)
	setDefault(&n.Appearance.SkinTone, DefaultSkinTone)

	setDefault(&n.Outfit.Style, DefaultOutfitStyle)
	setDefault(&n.Outfit.Category, DefaultOutfitCategory)
	setDefault(&n.Outfit.Color, DefaultOutfitColor)
	setDefault(&n.Outfit.Material, DefaultOutfitMaterial)
	setDefault(&n.Outfit.Fit, DefaultOutfitFit)

	setDefault(&n.Hints.Quality, DefaultQuality)
	setDefault(&n.Hints.Resolution, DefaultResolution)
	if n.Hints.FrameRate <= 0 {
		n.Hints.FrameRate = DefaultFrameRate
	}

	setDefault(&n.Brand.PrimaryColor, DefaultPrimaryColor)
	setDefault(&n.Brand.SecondaryColor, DefaultSecondaryColor)
	setDefault(&n.Brand.AccentColor, DefaultAccentColor)

	if n.Accessories == nil {
		n.Accessories = []string{}
	}
	return n
}

// Clone returns a deep copy of the configuration.
func (c Configuration) Clone() Configuration {
	out := c
	out.Accessories = slices.Clone(c.Accessories)
	out.Personalization = c.Personalization.Clone()
	return out
}

func setDefault(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

// Provenance records where a generated avatar's configuration originated.
type Provenance struct {
	// Source names the originating flow ("request" or "face-analysis").
	Source string `json:"source"`

	// Confidence carries the face-analysis confidence; 1.0 for plain requests.
	Confidence float64 `json:"confidence"`
}

// Metadata describes a single generation run.
type Metadata struct {
	GeneratedAt time.Time     `json:"generatedAt"`
	Duration    time.Duration `json:"duration"`
	Provenance  Provenance    `json:"provenance"`
}

// GeneratedAvatar is the cached outcome of one render-platform generation.
// Published values are immutable: the engine replaces the cached value when
// an update applies, so holders of earlier results read stable data.
type GeneratedAvatar struct {
	// ID is the render platform's avatar identifier.
	ID string `json:"id"`

	// PreviewURL, when the platform supplies one, points at a static preview.
	PreviewURL string `json:"previewUrl,omitempty"`

	// Appearance and Outfit are the resolved attribute maps sent upstream.
	Appearance map[string]string `json:"appearance"`
	Outfit     map[string]string `json:"outfit"`

	// ExpressionLibrary lists the expressions provisioned for this avatar.
	ExpressionLibrary []string `json:"expressionLibrary"`

	// Config is the normalized configuration the avatar was generated from.
	Config Configuration `json:"config"`

	Metadata Metadata `json:"metadata"`
}

// clone returns a deep copy the engine mutates before republishing.
func (a *GeneratedAvatar) clone() *GeneratedAvatar {
	if a == nil {
		return nil
	}
	out := *a
	out.Appearance = maps.Clone(a.Appearance)
	out.Outfit = maps.Clone(a.Outfit)
	out.ExpressionLibrary = slices.Clone(a.ExpressionLibrary)
	out.Config = a.Config.Clone()
	return &out
}

// FaceAnalysis is the upstream face-analysis result consumed by
// [Engine.GeneratePersonalized].
type FaceAnalysis struct {
	FaceShape    string             `json:"faceShape"`
	Confidence   float64            `json:"confidence"`
	Measurements map[string]float64 `json:"measurements"`
}
