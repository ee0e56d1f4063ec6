package eligibility

import (
	"fmt"
	"strings"
	"time"
)

// Verdict is the outcome of one eligibility check.
type Verdict string

const (
	Pass          Verdict = "pass"
	Fail          Verdict = "fail"
	NotApplicable Verdict = "na"
)

// verdictOf maps a boolean check onto Pass/Fail.
func verdictOf(ok bool) Verdict {
	if ok {
		return Pass
	}
	return Fail
}

// Check names one of the five independent gates.
type Check string

const (
	CheckLaunch     Check = "launch"
	CheckURL        Check = "url"
	CheckFrequency  Check = "frequency"
	CheckTargeting  Check = "targeting_flag"
	CheckLinkedFlag Check = "linked_flag"
)

// Judgment is one line of the eligibility report.
type Judgment struct {
	Check   Check   `json:"check"`
	Verdict Verdict `json:"verdict"`
	Message string  `json:"message"`
}

// Report holds the five judgments for a single tour.
type Report struct {
	TourID     string   `json:"tourId"`
	Launch     Judgment `json:"launch"`
	URL        Judgment `json:"url"`
	Frequency  Judgment `json:"frequency"`
	Targeting  Judgment `json:"targetingFlag"`
	LinkedFlag Judgment `json:"linkedFlag"`
}

// Judgments returns the report lines in display order.
func (r Report) Judgments() []Judgment {
	return []Judgment{r.Launch, r.URL, r.Frequency, r.Targeting, r.LinkedFlag}
}

// Blocked reports whether any judgment failed.
func (r Report) Blocked() bool {
	for _, j := range r.Judgments() {
		if j.Verdict == Fail {
			return true
		}
	}
	return false
}

// Evaluate runs every gate for tour against snap. The judgments are
// independent of each other; one failing never hides another.
func Evaluate(tour Tour, snap Snapshot) Report {
	return Report{
		TourID:     tour.ID,
		Launch:     judgeLaunch(tour),
		URL:        judgeURL(tour, snap.PageURL),
		Frequency:  judgeFrequency(tour, snap.Storage),
		Targeting:  judgeTargeting(tour, snap.Flags),
		LinkedFlag: judgeLinkedFlag(tour, snap.Flags),
	}
}

func judgeLaunch(t Tour) Judgment {
	j := Judgment{Check: CheckLaunch}
	switch {
	case t.StartDate == "" && t.EndDate == "":
		j.Verdict, j.Message = Fail, "Not launched"
	case t.StartDate != "" && t.EndDate == "":
		j.Verdict, j.Message = Pass, "Launched "+FormatDate(t.StartDate)
	default:
		j.Verdict = Fail
		j.Message = fmt.Sprintf("Stopped (%s – %s)", FormatDate(t.StartDate), FormatDate(t.EndDate))
	}
	return j
}

func judgeURL(t Tour, pageURL string) Judgment {
	j := Judgment{Check: CheckURL}
	if t.Conditions == nil || t.Conditions.URL == "" {
		j.Verdict, j.Message = NotApplicable, "URL condition: Not set"
		return j
	}
	matchType := t.Conditions.URLMatchType
	if matchType == "" {
		matchType = MatchIContains
	}
	j.Verdict = verdictOf(MatchURL(pageURL, t.Conditions.URL, matchType))
	j.Message = fmt.Sprintf("URL (%s): %s", matchType, t.Conditions.URL)
	return j
}

func judgeFrequency(t Tour, storage StorageState) Judgment {
	j := Judgment{Check: CheckFrequency}
	frequency := t.DisplayFrequency
	if frequency == "" {
		frequency = FrequencyUntilInteracted
	}
	records := storage.RecordsFor(t.ID)

	switch frequency {
	case FrequencyShowOnce:
		j.Verdict = verdictOf(!records.Shown)
		if records.Shown {
			j.Message = "Frequency (once): Already shown"
		} else {
			j.Message = "Frequency (once): Not yet shown"
		}
	case FrequencyUntilInteracted:
		blocked := records.Completed || records.Dismissed
		note := ""
		if t.DisplayFrequency == "" {
			note = " (default)"
		}
		state := "Not yet interacted"
		if blocked {
			state = "Already interacted"
		}
		j.Verdict = verdictOf(!blocked)
		j.Message = fmt.Sprintf("Frequency (until interacted%s): %s", note, state)
	case FrequencyAlways:
		j.Verdict, j.Message = Pass, "Frequency: Always"
	default:
		j.Verdict, j.Message = NotApplicable, "Frequency: "+frequency
	}
	return j
}

func judgeTargeting(t Tour, flags FlagState) Judgment {
	j := Judgment{Check: CheckTargeting}
	key := t.InternalTargetingFlagKey
	if key == "" {
		j.Verdict, j.Message = NotApplicable, "Targeting flag: Not set"
		return j
	}
	enabled := flags.Enabled(key)
	label := "Disabled"
	if enabled {
		label = "Enabled"
	}
	j.Verdict = verdictOf(enabled)
	j.Message = "Targeting flag: " + label + reasonSuffix(flags.Reason(key))
	return j
}

func judgeLinkedFlag(t Tour, flags FlagState) Judgment {
	j := Judgment{Check: CheckLinkedFlag}
	key := t.LinkedFlagKey
	if key == "" {
		j.Verdict, j.Message = NotApplicable, "Linked flag: Not set"
		return j
	}
	enabled := flags.Enabled(key)
	reason := reasonSuffix(flags.Reason(key))

	variant := ""
	if t.Conditions != nil {
		variant = t.Conditions.LinkedFlagVariant
	}
	if variant == "" {
		j.Verdict = verdictOf(enabled)
		if enabled {
			j.Message = "Linked flag: Enabled"
		} else {
			j.Message = "Linked flag: Disabled" + reason
		}
		return j
	}

	value, _ := flags.Value(key)
	got, isString := value.(string)
	variantMatch := variant == AnyVariant || (isString && got == variant)
	j.Verdict = verdictOf(enabled && variantMatch)
	switch {
	case !enabled:
		j.Message = "Linked flag: Disabled" + reason
	case variantMatch:
		j.Message = fmt.Sprintf("Linked flag: Enabled (variant: %s)", variant)
	default:
		j.Message = fmt.Sprintf("Linked flag: Wrong variant (expected: %s, got: %v)", variant, value)
	}
	return j
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}

// dateLayouts are tried in order when parsing tour dates.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// FormatDate renders an ISO date as "Jan 2, 2006". Input that does not parse
// is returned unchanged.
func FormatDate(s string) string {
	trimmed := strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, trimmed); err == nil {
			return d.Format("Jan 2, 2006")
		}
	}
	return s
}
