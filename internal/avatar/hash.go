package avatar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashSubset is the canonical form the cache key is computed over. Brand
// colors, quality hints, and personalization are render-time concerns and
// deliberately excluded: two requests that differ only there share an entry.
type hashSubset struct {
	Appearance  Appearance `json:"appearance"`
	Outfit      Outfit     `json:"outfit"`
	Accessories []string   `json:"accessories"`
}

// CacheKey returns the deterministic content hash of cfg's normalized
// identity subset. Identical normalized appearance, outfit, and accessory
// values always produce identical keys.
func CacheKey(cfg Configuration) string {
	n := cfg.Normalized()
	payload, err := json.Marshal(hashSubset{
		Appearance:  n.Appearance,
		Outfit:      n.Outfit,
		Accessories: n.Accessories,
	})
	if err != nil {
		// Marshalling plain structs of strings cannot fail.
		panic("avatar: cache key marshal: " + err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
