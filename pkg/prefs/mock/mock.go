// Package mock provides in-memory mock implementations of the [prefs.Store]
// and [prefs.ProfileIndex] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
package mock

import (
	"context"
	"sync"

	"github.com/visagekit/visage/pkg/prefs"
)

// AppendCall records the arguments of a single AppendCustomizations invocation.
type AppendCall struct {
	UserID string
	Items  []prefs.Customization
}

// SaveProfileCall records the arguments of a single SaveProfile invocation.
type SaveProfileCall struct {
	Profile prefs.Profile
}

// NearestCall records the arguments of a single NearestProfiles invocation.
type NearestCall struct {
	Measurements []float32
	K            int
}

// Store is a mock implementation of [prefs.Store].
// Set the exported Result/Error fields before use; inspect the *Calls fields after.
type Store struct {
	mu sync.Mutex

	// GetPreferencesResult is returned by GetPreferences.
	GetPreferencesResult prefs.Preferences

	// GetPreferencesError is returned by GetPreferences.
	GetPreferencesError error

	// SavePreferencesError is returned by SavePreferences.
	SavePreferencesError error

	// AppendError is returned by AppendCustomizations.
	AppendError error

	// GetPreferencesCalls records the userID of each GetPreferences invocation.
	GetPreferencesCalls []string

	// SavePreferencesCalls records each saved Preferences value.
	SavePreferencesCalls []prefs.Preferences

	// AppendCalls records all AppendCustomizations invocations.
	AppendCalls []AppendCall
}

var _ prefs.Store = (*Store)(nil)

// GetPreferences implements [prefs.Store].
func (s *Store) GetPreferences(_ context.Context, userID string) (prefs.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetPreferencesCalls = append(s.GetPreferencesCalls, userID)
	if s.GetPreferencesError != nil {
		return prefs.Preferences{}, s.GetPreferencesError
	}
	res := s.GetPreferencesResult
	if res.UserID == "" {
		res.UserID = userID
	}
	return res, nil
}

// SavePreferences implements [prefs.Store].
func (s *Store) SavePreferences(_ context.Context, p prefs.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SavePreferencesCalls = append(s.SavePreferencesCalls, p)
	return s.SavePreferencesError
}

// AppendCustomizations implements [prefs.Store].
func (s *Store) AppendCustomizations(_ context.Context, userID string, items []prefs.Customization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendCalls = append(s.AppendCalls, AppendCall{UserID: userID, Items: items})
	return s.AppendError
}

// Index is a mock implementation of [prefs.ProfileIndex].
type Index struct {
	mu sync.Mutex

	// NearestResult is returned by NearestProfiles.
	NearestResult []prefs.ProfileMatch

	// NearestError is returned by NearestProfiles.
	NearestError error

	// SaveProfileError is returned by SaveProfile.
	SaveProfileError error

	// SaveProfileCalls records all SaveProfile invocations.
	SaveProfileCalls []SaveProfileCall

	// NearestCalls records all NearestProfiles invocations.
	NearestCalls []NearestCall
}

var _ prefs.ProfileIndex = (*Index)(nil)

// SaveProfile implements [prefs.ProfileIndex].
func (i *Index) SaveProfile(_ context.Context, profile prefs.Profile) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.SaveProfileCalls = append(i.SaveProfileCalls, SaveProfileCall{Profile: profile})
	return i.SaveProfileError
}

// NearestProfiles implements [prefs.ProfileIndex].
func (i *Index) NearestProfiles(_ context.Context, measurements []float32, k int) ([]prefs.ProfileMatch, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.NearestCalls = append(i.NearestCalls, NearestCall{Measurements: measurements, K: k})
	if i.NearestError != nil {
		return nil, i.NearestError
	}
	return i.NearestResult, nil
}
