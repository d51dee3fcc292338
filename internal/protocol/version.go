package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

type Version struct {
	Major, Minor, Build uint16
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build) }

// ParseVersion accepts exactly "major.minor.build", each a decimal fitting uint16.
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return v, &VersionParseError{Input: s}
	}
	dst := [3]*uint16{&v.Major, &v.Minor, &v.Build}
	for i, p := range parts {
		if p == "" || strings.HasPrefix(p, "+") || strings.HasPrefix(p, "-") {
			return v, &VersionParseError{Input: s}
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return v, &VersionParseError{Input: s}
		}
		*dst[i] = uint16(n)
	}
	return v, nil
}
