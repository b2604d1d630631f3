package marketplace

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/Masterminds/semver/v3"
)

// VersionComparison classifies a manifest version change.
type VersionComparison string

const (
	VersionEqual     VersionComparison = "equal"
	VersionDowngrade VersionComparison = "downgrade"
	VersionPatch     VersionComparison = "patch"
	VersionMinor     VersionComparison = "minor"
	VersionMajor     VersionComparison = "major"
)

// CompareVersions classifies the change from oldVersion to newVersion.
func CompareVersions(oldVersion, newVersion string) (VersionComparison, error) {
	o, err := semver.NewVersion(oldVersion)
	if err != nil {
		return "", fmt.Errorf("old version %q: %w", oldVersion, err)
	}
	n, err := semver.NewVersion(newVersion)
	if err != nil {
		return "", fmt.Errorf("new version %q: %w", newVersion, err)
	}
	switch {
	case n.Equal(o):
		return VersionEqual, nil
	case n.LessThan(o):
		return VersionDowngrade, nil
	case n.Major() > o.Major():
		return VersionMajor, nil
	case n.Minor() > o.Minor():
		return VersionMinor, nil
	default:
		return VersionPatch, nil
	}
}

// DetectBreakingChanges lists the changes between two manifests that can
// break callers or broaden what the capability may do.
func DetectBreakingChanges(oldM, newM *CapabilityManifest) ([]string, error) {
	var changes []string
	cmp, err := CompareVersions(oldM.Version, newM.Version)
	if err != nil {
		return nil, err
	}
	switch cmp {
	case VersionMajor:
		changes = append(changes, fmt.Sprintf("major version bump: %s -> %s", oldM.Version, newM.Version))
	case VersionDowngrade:
		changes = append(changes, fmt.Sprintf("version downgrade: %s -> %s", oldM.Version, newM.Version))
	}
	if !reflect.DeepEqual(oldM.InputSchema, newM.InputSchema) {
		changes = append(changes, "input schema changed")
	}
	if !reflect.DeepEqual(oldM.OutputSchema, newM.OutputSchema) {
		changes = append(changes, "output schema changed")
	}
	if added := addedEntries(oldM.Effects, newM.Effects); len(added) > 0 {
		changes = append(changes, fmt.Sprintf("effects broadened: added %v", added))
	}
	if added := addedEntries(oldM.Permissions, newM.Permissions); len(added) > 0 {
		changes = append(changes, fmt.Sprintf("permissions broadened: added %v", added))
	}
	return changes, nil
}

func addedEntries(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, s := range before {
		seen[s] = true
	}
	added := make(map[string]bool)
	for _, s := range after {
		if !seen[s] {
			added[s] = true
		}
	}
	return slices.Sorted(maps.Keys(added))
}
