package prefs

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of [Store] and [ProfileIndex].
// It is the default backend when no database is configured and is also
// handy in tests. Safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	prefs    map[string]Preferences
	profiles []Profile
}

var (
	_ Store        = (*MemStore)(nil)
	_ ProfileIndex = (*MemStore)(nil)
)

// NewMemStore creates an empty in-memory preference store.
func NewMemStore() *MemStore {
	return &MemStore{
		prefs: map[string]Preferences{},
	}
}

// GetPreferences implements [Store]. Unknown users yield an empty record.
func (m *MemStore) GetPreferences(_ context.Context, userID string) (Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prefs[userID]
	if !ok {
		return Preferences{UserID: userID}, nil
	}
	return clonePreferences(p), nil
}

// SavePreferences implements [Store].
func (m *MemStore) SavePreferences(_ context.Context, prefs Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := clonePreferences(prefs)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	if len(p.Recent) > MaxRecentCustomizations {
		p.Recent = p.Recent[:MaxRecentCustomizations]
	}
	m.prefs[prefs.UserID] = p
	return nil
}

// AppendCustomizations implements [Store]. Items are prepended in the given
// order and the history is trimmed to MaxRecentCustomizations.
func (m *MemStore) AppendCustomizations(_ context.Context, userID string, items []Customization) error {
	if len(items) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prefs[userID]
	if !ok {
		p = Preferences{UserID: userID}
	} else {
		p = clonePreferences(p)
	}

	recent := make([]Customization, 0, len(items)+len(p.Recent))
	for i := len(items) - 1; i >= 0; i-- {
		recent = append(recent, cloneCustomization(items[i]))
	}
	recent = append(recent, p.Recent...)
	if len(recent) > MaxRecentCustomizations {
		recent = recent[:MaxRecentCustomizations]
	}

	p.Recent = recent
	p.UpdatedAt = time.Now()
	m.prefs[userID] = p
	return nil
}

// SaveProfile implements [ProfileIndex].
func (m *MemStore) SaveProfile(_ context.Context, profile Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := profile
	p.Measurements = append([]float32(nil), profile.Measurements...)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.profiles = append(m.profiles, p)
	return nil
}

// NearestProfiles implements [ProfileIndex] with a linear cosine-distance
// scan. Profiles whose dimension does not match the query are skipped.
func (m *MemStore) NearestProfiles(_ context.Context, measurements []float32, k int) ([]ProfileMatch, error) {
	if k <= 0 || len(measurements) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]ProfileMatch, 0, len(m.profiles))
	for _, p := range m.profiles {
		if len(p.Measurements) != len(measurements) {
			continue
		}
		d, ok := cosineDistance(measurements, p.Measurements)
		if !ok {
			continue
		}
		cp := p
		cp.Measurements = append([]float32(nil), p.Measurements...)
		matches = append(matches, ProfileMatch{Profile: cp, Distance: d})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// cosineDistance returns 1 - cosine similarity. The second return value is
// false when either vector has zero magnitude.
func cosineDistance(a, b []float32) (float64, bool) {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), true
}

func clonePreferences(p Preferences) Preferences {
	out := p
	if p.Defaults != nil {
		out.Defaults = make(map[string]string, len(p.Defaults))
		for k, v := range p.Defaults {
			out.Defaults[k] = v
		}
	}
	if p.Recent != nil {
		out.Recent = make([]Customization, len(p.Recent))
		for i, c := range p.Recent {
			out.Recent[i] = cloneCustomization(c)
		}
	}
	return out
}

func cloneCustomization(c Customization) Customization {
	out := c
	if c.Changes != nil {
		out.Changes = make(map[string]string, len(c.Changes))
		for k, v := range c.Changes {
			out.Changes[k] = v
		}
	}
	return out
}
