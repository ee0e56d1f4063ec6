package eligibility

import (
	"encoding/json"
	"strings"

	"github.com/samber/lo"
)

// Storage keys used by the SDK.
const (
	TourKeyPrefix   = "ph_product_tour_"
	ActiveTourKey   = "ph_active_product_tour"
	shownSuffix     = "_shown"
	completedSuffix = "_completed"
	dismissedSuffix = "_dismissed"
)

// ClassifyStorage sorts raw local storage entries into shown, completed and
// dismissed records and parses the session-scoped active tour record. Keys
// without the tour prefix are ignored.
func ClassifyStorage(local map[string]string, active *string) StorageState {
	state := EmptyStorage()
	for key, value := range local {
		if !strings.HasPrefix(key, TourKeyPrefix) {
			continue
		}
		switch {
		case strings.Contains(key, shownSuffix):
			state.Shown[key] = value
		case strings.Contains(key, completedSuffix):
			state.Completed[key] = value
		case strings.Contains(key, dismissedSuffix):
			state.Dismissed[key] = value
		}
	}

	if active != nil && *active != "" && strings.TrimSpace(*active) != "null" {
		var rec ActiveTour
		if err := json.Unmarshal([]byte(*active), &rec); err != nil {
			rec = ActiveTour{Raw: *active}
		}
		state.ActiveTour = &rec
	}
	return state
}

// hasRecord reports whether any key in records refers to tourID.
func hasRecord(records map[string]string, tourID string) bool {
	if tourID == "" {
		return false
	}
	return lo.SomeBy(lo.Keys(records), func(key string) bool {
		return strings.Contains(key, tourID)
	})
}

// TourRecords summarises which storage records exist for one tour.
type TourRecords struct {
	Shown     bool `json:"shown"`
	Completed bool `json:"completed"`
	Dismissed bool `json:"dismissed"`
}

// Any reports whether at least one record exists.
func (r TourRecords) Any() bool {
	return r.Shown || r.Completed || r.Dismissed
}

// RecordsFor looks up the records that refer to tourID.
func (s StorageState) RecordsFor(tourID string) TourRecords {
	return TourRecords{
		Shown:     hasRecord(s.Shown, tourID),
		Completed: hasRecord(s.Completed, tourID),
		Dismissed: hasRecord(s.Dismissed, tourID),
	}
}
