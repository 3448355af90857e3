// Package versioning provides semantic versioning for the network's build
// identifier, reported by the base module's status endpoint (spec.md §4.3.1).
package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is a SemVer 2.0.0 (https://semver.org) version, parsed and
// compared by Masterminds/semver rather than a hand-rolled regexp.
type Version struct {
	sv *semver.Version
}

// New builds a Version from its numeric components, with no prerelease or
// build metadata.
func New(major, minor, patch int64) Version {
	v, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch))
	if err != nil {
		panic(fmt.Sprintf("versioning: %d.%d.%d is not a valid version: %v", major, minor, patch, err))
	}
	return Version{sv: v}
}

// Parse parses a version string into a Version.
func Parse(version string) (Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return Version{}, fmt.Errorf("versioning: parse %q: %w", version, err)
	}
	return Version{sv: v}, nil
}

// String returns the canonical string representation of the version.
func (v Version) String() string {
	if v.sv == nil {
		return "0.0.0"
	}
	return v.sv.String()
}

// Major returns the version's major component.
func (v Version) Major() int64 { return v.sv.Major() }

// Minor returns the version's minor component.
func (v Version) Minor() int64 { return v.sv.Minor() }

// Patch returns the version's patch component.
func (v Version) Patch() int64 { return v.sv.Patch() }

// Prerelease returns the dot-separated prerelease identifiers, empty if none.
func (v Version) Prerelease() string { return v.sv.Prerelease() }

// Compare returns -1 if v < other, 0 if v == other, 1 if v > other, per
// SemVer 2.0.0 precedence rules (build metadata is ignored).
func (v Version) Compare(other Version) int {
	return v.sv.Compare(other.sv)
}

// IsCompatible reports whether other shares v's major version.
func (v Version) IsCompatible(other Version) bool {
	return v.Major() == other.Major()
}

// Satisfies reports whether v satisfies a SemVer constraint expression
// (e.g. "^1.2.0", ">=1.0.0, <2.0.0"), the same constraint syntax the
// registry's compatibility matrix is checked against.
func (v Version) Satisfies(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("versioning: invalid constraint %q: %w", constraint, err)
	}
	return c.Check(v.sv), nil
}
