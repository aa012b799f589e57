package checkpoint

import (
	"fmt"
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// PathFor maps a dotted parameter name onto a slash-separated storage path,
// one directory per segment. Segments never contain '.', so distinct names
// always yield distinct paths and never collide with the store's
// dot-prefixed internal files.
func PathFor(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	segments := strings.Split(name, ".")
	for i, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return "", fmt.Errorf("%w: %q has invalid segment %d %q", ErrInvalidName, name, i, seg)
		}
	}
	return strings.Join(segments, "/"), nil
}
