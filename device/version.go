package device

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver"
)

// Version is a parsed (major, minor, micro) firmware or driver version.
// Compatibility is decided on major and minor only; devices running a
// different micro release are considered interchangeable.
type Version struct {
	Major int64
	Minor int64
	Micro int64
}

func ParseVersion(s string) (v Version, err error) {
	sv, err := semver.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return v, fmt.Errorf("unable to parse version '%s': %v", s, err)
	}

	v.Major = sv.Major()
	v.Minor = sv.Minor()
	v.Micro = sv.Patch()
	return
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

func (v Version) CompatibleWith(other Version) bool {
	return v.Major == other.Major && v.Minor == other.Minor
}
