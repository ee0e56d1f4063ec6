package eligibility

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// regexTimeout bounds backtracking on user supplied patterns.
const regexTimeout = 250 * time.Millisecond

func normalizeURL(u string) string {
	return strings.TrimSuffix(u, "/")
}

// MatchURL applies a tour URL condition to pageURL. Patterns for the regex
// match types use ECMAScript syntax. An empty page URL never matches and an
// unknown match type is treated as a mismatch.
func MatchURL(pageURL, pattern, matchType string) bool {
	if pattern == "" {
		return true
	}
	if pageURL == "" {
		return false
	}
	if matchType == "" {
		matchType = MatchIContains
	}

	switch matchType {
	case MatchExact:
		return normalizeURL(pageURL) == normalizeURL(pattern)
	case MatchIsNot:
		return normalizeURL(pageURL) != normalizeURL(pattern)
	case MatchIContains:
		return strings.Contains(strings.ToLower(pageURL), strings.ToLower(pattern))
	case MatchNotIContains:
		return !strings.Contains(strings.ToLower(pageURL), strings.ToLower(pattern))
	case MatchRegex:
		ok, err := regexMatch(pattern, pageURL)
		return err == nil && ok
	case MatchNotRegex:
		ok, err := regexMatch(pattern, pageURL)
		return err != nil || !ok
	default:
		return false
	}
}

func regexMatch(pattern, s string) (bool, error) {
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		return false, err
	}
	re.MatchTimeout = regexTimeout
	return re.MatchString(s)
}
