package eligibility

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DefaultMinVersion is the oldest SDK release with the product tours API.
const DefaultMinVersion = "1.324.0"

// MeetsMinVersion reports whether version is at least minimum. Prerelease and
// build suffixes are ignored; missing components count as zero. An empty or
// unparseable version fails the gate.
func MeetsMinVersion(version, minimum string) bool {
	if strings.TrimSpace(version) == "" {
		return false
	}
	if minimum == "" {
		minimum = DefaultMinVersion
	}
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return false
	}
	m, err := semver.NewVersion(minimum)
	if err != nil {
		return false
	}
	core, err := v.SetPrerelease("")
	if err != nil {
		return false
	}
	core, err = core.SetMetadata("")
	if err != nil {
		return false
	}
	return !core.LessThan(m)
}
