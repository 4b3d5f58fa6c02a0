package changelog

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// PreviousTag returns the highest semantic version tag below current that
// shares its "<subapp>@" prefix, or "" when none exists.
func PreviousTag(tags []string, current string) string {
	prefix, cur, ok := splitTag(current)
	if !ok {
		return ""
	}
	var (
		best    *semver.Version
		bestTag string
	)
	for _, t := range tags {
		p, v, ok := splitTag(t)
		if !ok || p != prefix || !v.LessThan(cur) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestTag = v, t
		}
	}
	return bestTag
}

func splitTag(tag string) (string, *semver.Version, bool) {
	prefix := ""
	if i := strings.LastIndex(tag, "@"); i > 0 {
		prefix, tag = tag[:i], tag[i+1:]
	}
	v, err := semver.NewVersion(tag)
	if err != nil {
		return "", nil, false
	}
	return prefix, v, true
}
