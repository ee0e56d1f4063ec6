package panel

import (
	"fmt"
	"strings"

	"tourdebug-mcp-server/internal/eligibility"
	"tourdebug-mcp-server/internal/protocol"

	"github.com/samber/lo"
)

// Status levels, mirrored by the renderers' colours.
const (
	LevelError = "error"
	LevelWarn  = "warn"
	LevelOK    = "ok"
)

// Badge colours.
const (
	ColorBlue   = "blue"
	ColorGray   = "gray"
	ColorOrange = "orange"
	ColorGreen  = "green"
)

// EnableDebugHint explains what the enable-debug action does.
const EnableDebugHint = "Reloads with ?__posthog_debug=true to expose the PostHog instance"

// Empty-list messages.
const (
	EmptyNoTours   = "No tours found"
	EmptyNoMatches = "No tours match the filter"
)

// Status is the top status bar.
type Status struct {
	Level       string   `json:"level"`
	Lines       []string `json:"lines"`
	EnableDebug bool     `json:"enableDebug,omitempty"`
	Hint        string   `json:"hint,omitempty"`
}

// Button is an action the user can trigger. TourID is sent as the payload's
// tourId when set.
type Button struct {
	Label  string          `json:"label"`
	Action protocol.Action `json:"action"`
	TourID string          `json:"tourId,omitempty"`
}

// Payload returns the action payload for the button.
func (b Button) Payload() protocol.Payload {
	if b.TourID == "" {
		return nil
	}
	return protocol.Payload{"tourId": b.TourID}
}

// Badge is a short coloured label.
type Badge struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// Banner describes the tour currently on screen.
type Banner struct {
	Label   string   `json:"label"`
	Title   string   `json:"title"`
	Step    string   `json:"step,omitempty"`
	Actions []Button `json:"actions"`
}

// Card is one tour in the list.
type Card struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Badges      []Badge                `json:"badges"`
	Eligibility []eligibility.Judgment `json:"eligibility"`
	Blocked     bool                   `json:"blocked"`
	Storage     []Badge                `json:"storage,omitempty"`
	Actions     []Button               `json:"actions"`
}

// View is everything a renderer shows. Tour sections are present only when
// the SDK is usable.
type View struct {
	Status  Status   `json:"status"`
	Loading bool     `json:"loading,omitempty"`
	Ready   bool     `json:"ready"`
	Banner  *Banner  `json:"activeTour,omitempty"`
	Actions []Button `json:"actions,omitempty"`
	Cards   []Card   `json:"tours,omitempty"`
	Empty   string   `json:"empty,omitempty"`
	Toasts  []Toast  `json:"toasts,omitempty"`
}

// BuildView derives the view for s. minVersion is quoted in the upgrade
// message.
func BuildView(s State, minVersion string) View {
	if minVersion == "" {
		minVersion = eligibility.DefaultMinVersion
	}
	v := View{Status: buildStatus(s, minVersion), Loading: s.Loading, Ready: s.Ready()}
	if !v.Ready || s.Loading {
		return v
	}

	v.Banner = buildBanner(s)
	v.Actions = []Button{
		{Label: "Reset All Tours", Action: protocol.ActionResetAllTours},
		{Label: "Clear Cache", Action: protocol.ActionClearCache},
	}

	tours := FilterTours(s.Tours, s.Filter)
	if len(tours) == 0 {
		v.Empty = EmptyNoTours
		if s.Filter != "" {
			v.Empty = EmptyNoMatches
		}
		return v
	}

	snap := eligibility.Snapshot{PageURL: s.PageURL, Flags: s.Flags, Storage: s.Storage}
	v.Cards = lo.Map(tours, func(t eligibility.Tour, _ int) Card {
		return buildCard(t, snap)
	})
	return v
}

func buildStatus(s State, minVersion string) Status {
	version := s.Version
	if version == "" {
		version = "?"
	}
	detected := fmt.Sprintf("PostHog v%s detected", version)
	switch {
	case !s.Detected:
		return Status{
			Level:       LevelError,
			Lines:       []string{"posthog-js not detected on this page"},
			EnableDebug: true,
			Hint:        EnableDebugHint,
		}
	case !s.VersionOK:
		return Status{Level: LevelError, Lines: []string{detected, fmt.Sprintf("Requires v%s+ (upgrade posthog-js)", minVersion)}}
	case !s.ToursEnabled:
		return Status{Level: LevelWarn, Lines: []string{detected, "Tours API not available"}}
	default:
		return Status{Level: LevelOK, Lines: []string{detected, "Tours API: Available"}}
	}
}

// FilterTours keeps tours whose id or name contains filter, ignoring case.
func FilterTours(tours []eligibility.Tour, filter string) []eligibility.Tour {
	if filter == "" {
		return tours
	}
	q := strings.ToLower(filter)
	return lo.Filter(tours, func(t eligibility.Tour, _ int) bool {
		return strings.Contains(strings.ToLower(t.ID), q) || strings.Contains(strings.ToLower(t.Name), q)
	})
}

func findTour(tours []eligibility.Tour, id string) (eligibility.Tour, bool) {
	return lo.Find(tours, func(t eligibility.Tour) bool { return t.ID == id })
}

func buildBanner(s State) *Banner {
	active := s.Storage.ActiveTour
	if active == nil {
		return nil
	}
	tour, known := findTour(s.Tours, active.TourID)
	if active.TourID == "" {
		known = false
	}

	title := lo.CoalesceOrEmpty(active.Name, active.TourID, "Unknown")
	if known {
		title = tour.DisplayName()
	}
	announcement := known && eligibility.IsAnnouncement(tour)

	b := &Banner{Label: "Active Tour", Title: title}
	if announcement {
		b.Label = "Active Announcement"
		b.Actions = []Button{{Label: "Dismiss", Action: protocol.ActionDismissTour}}
		return b
	}

	total := 0
	if known {
		total = len(tour.Steps)
	} else if active.TotalSteps != nil {
		total = *active.TotalSteps
	}
	switch {
	case active.StepIndex != nil && total > 0:
		b.Step = fmt.Sprintf("Step %d of %d", *active.StepIndex+1, total)
	case active.CurrentStep != nil && active.TotalSteps != nil && *active.TotalSteps > 0:
		b.Step = fmt.Sprintf("Step %d of %d", *active.CurrentStep+1, *active.TotalSteps)
	}
	b.Actions = []Button{
		{Label: "Prev", Action: protocol.ActionPreviousStep},
		{Label: "Next", Action: protocol.ActionNextStep},
		{Label: "Dismiss", Action: protocol.ActionDismissTour},
	}
	return b
}

func buildCard(t eligibility.Tour, snap eligibility.Snapshot) Card {
	announcement := eligibility.IsAnnouncement(t)

	var badges []Badge
	if announcement {
		badges = append(badges, Badge{Text: "Announcement", Color: ColorBlue})
	} else {
		badges = append(badges, Badge{Text: fmt.Sprintf("%d steps", len(t.Steps)), Color: ColorBlue})
	}
	for _, typ := range t.StepTypes() {
		badges = append(badges, Badge{Text: typ, Color: ColorGray})
	}
	if t.DisplayFrequency != "" {
		badges = append(badges, Badge{Text: t.DisplayFrequency, Color: ColorOrange})
	}

	report := eligibility.Evaluate(t, snap)

	showLabel := "Show Tour"
	if announcement {
		showLabel = "Show"
	}
	return Card{
		ID:          t.ID,
		Name:        t.DisplayName(),
		Badges:      badges,
		Eligibility: report.Judgments(),
		Blocked:     report.Blocked(),
		Storage:     storageBadges(snap.Storage.RecordsFor(t.ID)),
		Actions: []Button{
			{Label: showLabel, Action: protocol.ActionShowTour, TourID: t.ID},
			{Label: "Reset", Action: protocol.ActionResetTour, TourID: t.ID},
		},
	}
}

func storageBadges(r eligibility.TourRecords) []Badge {
	var badges []Badge
	if r.Shown {
		badges = append(badges, Badge{Text: "Shown", Color: ColorBlue})
	}
	if r.Completed {
		badges = append(badges, Badge{Text: "Completed", Color: ColorGreen})
	}
	if r.Dismissed {
		badges = append(badges, Badge{Text: "Dismissed", Color: ColorOrange})
	}
	return badges
}
