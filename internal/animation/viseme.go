package animation

import (
	"strings"

	"github.com/visagekit/visage/pkg/render"
	"github.com/visagekit/visage/pkg/speech"
)

// visemeByPhoneme maps extractor phoneme symbols (ARPABET, looked up
// case-insensitively) to the platform's Preston-Blair style mouth shapes.
// Phonemes without an entry produce no mouth shape and are dropped.
var visemeByPhoneme = map[string]string{
	// Silence markers.
	"SIL": "sil", "SP": "sil", "SPN": "sil",

	// Bilabial closures.
	"P": "PP", "B": "PP", "M": "PP",

	// Labiodental fricatives.
	"F": "FF", "V": "FF",

	// Dental fricatives.
	"TH": "TH", "DH": "TH",

	// Alveolar stops.
	"T": "DD", "D": "DD",

	// Velar stops.
	"K": "KK", "G": "KK", "NG": "KK",

	// Postalveolar affricates and fricatives.
	"CH": "CH", "JH": "CH", "SH": "CH", "ZH": "CH",

	// Alveolar fricatives.
	"S": "SS", "Z": "SS",

	// Nasals and laterals.
	"N": "NN", "L": "NN",

	// Rhotics.
	"R": "RR", "ER": "RR",

	// Open vowels.
	"AA": "AA", "AE": "AA", "AH": "AA", "AW": "AA", "AY": "AA",

	// Mid front vowels.
	"EH": "E", "EY": "E",

	// Close front vowels.
	"IH": "I", "IY": "I", "Y": "I",

	// Back rounded vowels.
	"AO": "O", "OW": "O", "OY": "O",

	// Close back vowels.
	"UH": "U", "UW": "U", "W": "U",
}

// visemesFromPhonemes converts a timed phoneme sequence into the platform's
// viseme timeline. Unmapped phonemes are dropped, not defaulted. A phoneme's
// confidence becomes the viseme weight; extractors that report no confidence
// yield full-weight shapes.
func visemesFromPhonemes(phonemes []speech.Phoneme) []render.Viseme {
	out := make([]render.Viseme, 0, len(phonemes))
	for _, ph := range phonemes {
		shape, ok := visemeByPhoneme[strings.ToUpper(ph.Symbol)]
		if !ok {
			continue
		}
		weight := ph.Confidence
		if weight <= 0 || weight > 1 {
			weight = 1
		}
		out = append(out, render.Viseme{
			Shape:    shape,
			At:       ph.Timestamp,
			Duration: ph.Duration,
			Weight:   weight,
		})
	}
	return out
}
