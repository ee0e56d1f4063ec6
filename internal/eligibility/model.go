// Package eligibility reproduces the SDK's product tour gating rules so they
// can be displayed next to each tour. Nothing here talks to the page; every
// input is a read-only snapshot.
package eligibility

import (
	"bytes"
	"encoding/json"
)

// Display frequencies understood by the SDK.
const (
	FrequencyShowOnce        = "show_once"
	FrequencyUntilInteracted = "until_interacted"
	FrequencyAlways          = "always"
)

// URL match types understood by the SDK.
const (
	MatchExact        = "exact"
	MatchIsNot        = "is_not"
	MatchIContains    = "icontains"
	MatchNotIContains = "not_icontains"
	MatchRegex        = "regex"
	MatchNotRegex     = "not_regex"
)

// AnyVariant matches every enabled value of a linked flag.
const AnyVariant = "any"

// Step is one step of a tour. Only the type tag matters for display.
type Step struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// Conditions holds the tour's URL and linked flag variant requirements.
type Conditions struct {
	URL               string `json:"url,omitempty"`
	URLMatchType      string `json:"urlMatchType,omitempty"`
	LinkedFlagVariant string `json:"linkedFlagVariant,omitempty"`
}

// Tour is a tour or announcement as returned by the SDK.
type Tour struct {
	ID                       string      `json:"id"`
	Name                     string      `json:"name,omitempty"`
	Steps                    []Step      `json:"steps,omitempty"`
	StartDate                string      `json:"start_date,omitempty"`
	EndDate                  string      `json:"end_date,omitempty"`
	DisplayFrequency         string      `json:"display_frequency,omitempty"`
	Conditions               *Conditions `json:"conditions,omitempty"`
	InternalTargetingFlagKey string      `json:"internal_targeting_flag_key,omitempty"`
	LinkedFlagKey            string      `json:"linked_flag_key,omitempty"`
}

// IsAnnouncement reports whether the tour is a single-step announcement.
func IsAnnouncement(t Tour) bool {
	return len(t.Steps) == 1
}

// DisplayName returns the tour name or a placeholder.
func (t Tour) DisplayName() string {
	if t.Name == "" {
		return "Unnamed Tour"
	}
	return t.Name
}

// StepTypes returns the distinct step type tags in first-seen order.
func (t Tour) StepTypes() []string {
	seen := make(map[string]bool, len(t.Steps))
	types := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		typ := s.Type
		if typ == "" {
			typ = "unknown"
		}
		if seen[typ] {
			continue
		}
		seen[typ] = true
		types = append(types, typ)
	}
	return types
}

// FlagReason explains why a flag resolved the way it did.
type FlagReason struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

// FlagDetail is the per-flag metadata returned by getFeatureFlagDetails.
type FlagDetail struct {
	Reason *FlagReason `json:"reason,omitempty"`
}

// FlagState holds resolved flag values (bool or string) keyed by flag key. A
// missing key means "not resolved".
type FlagState struct {
	Values  map[string]interface{} `json:"flags"`
	Details map[string]FlagDetail  `json:"flagDetails"`
}

// Value returns the resolved value of key and whether it was present.
func (f FlagState) Value(key string) (interface{}, bool) {
	if f.Values == nil {
		return nil, false
	}
	v, ok := f.Values[key]
	return v, ok
}

// Enabled reports whether key resolved to something other than false or null.
func (f FlagState) Enabled(key string) bool {
	v, ok := f.Value(key)
	if !ok || v == nil {
		return false
	}
	if b, isBool := v.(bool); isBool && !b {
		return false
	}
	return true
}

// Reason returns the flag's reason description, falling back to its code.
func (f FlagState) Reason(key string) string {
	detail, ok := f.Details[key]
	if !ok || detail.Reason == nil {
		return ""
	}
	if detail.Reason.Description != "" {
		return detail.Reason.Description
	}
	return detail.Reason.Code
}

// ActiveTour is the session-scoped record of the tour currently on screen.
// A bare JSON string lands in Raw, any other non-object JSON value in Value.
type ActiveTour struct {
	TourID      string          `json:"tourId,omitempty"`
	Name        string          `json:"name,omitempty"`
	StepIndex   *int            `json:"stepIndex,omitempty"`
	CurrentStep *int            `json:"currentStep,omitempty"`
	TotalSteps  *int            `json:"totalSteps,omitempty"`
	Raw         string          `json:"raw,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// UnmarshalJSON accepts an object, a bare string or any other JSON value.
func (a *ActiveTour) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*a = ActiveTour{Raw: raw}
		return nil
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] != '{' && json.Valid(trimmed) {
		*a = ActiveTour{Value: append(json.RawMessage(nil), trimmed...)}
		return nil
	}
	type plain ActiveTour
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = ActiveTour(p)
	return nil
}

// StorageState is the filtered snapshot of the SDK's tour bookkeeping.
type StorageState struct {
	Shown      map[string]string `json:"shown"`
	Completed  map[string]string `json:"completed"`
	Dismissed  map[string]string `json:"dismissed"`
	ActiveTour *ActiveTour       `json:"activeTour"`
}

// EmptyStorage returns a storage snapshot with no records.
func EmptyStorage() StorageState {
	return StorageState{
		Shown:     map[string]string{},
		Completed: map[string]string{},
		Dismissed: map[string]string{},
	}
}

// Snapshot is everything the evaluator needs besides the tour itself.
type Snapshot struct {
	PageURL string
	Flags   FlagState
	Storage StorageState
}
