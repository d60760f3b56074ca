package protocol

import (
	"fmt"
	"strings"
)

// Version is a device protocol version such as "3.3".
type Version string

// Known protocol versions.
const (
	Version31 Version = "3.1"
	Version32 Version = "3.2"
	Version33 Version = "3.3"
	Version34 Version = "3.4"
)

// DefaultVersions is the rotation order tried after a failed request.
// Most firmware in the field negotiates 3.3; older heaters only answer 3.1.
var DefaultVersions = []Version{Version33, Version31}

// ParseVersion validates a version string. A leading "v" is accepted.
func ParseVersion(s string) (Version, error) {
	v := Version(strings.TrimPrefix(strings.TrimSpace(s), "v"))
	switch v {
	case Version31, Version32, Version33, Version34:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
}

// ParseVersions parses an ordered version list, rejecting duplicates.
func ParseVersions(list []string) ([]Version, error) {
	out := make([]Version, 0, len(list))
	seen := make(map[Version]bool, len(list))
	for _, s := range list {
		v, err := ParseVersion(s)
		if err != nil {
			return nil, err
		}
		if seen[v] {
			return nil, fmt.Errorf("%w: %q listed twice", ErrInvalidVersion, s)
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}
