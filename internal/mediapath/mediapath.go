package mediapath

import (
	"errors"
	"path"
	"strings"
)

// ErrInvalidPath is returned for request paths that would escape the media root.
var ErrInvalidPath = errors.New("invalid media path")

// Clean normalizes a slash-separated request path into a path relative to the
// media root. Any ".." component is rejected before the filesystem is touched,
// rather than resolved away. The root itself cleans to ".".
func Clean(requestPath string) (string, error) {
	parts := make([]string, 0, 8)
	for _, part := range strings.Split(requestPath, "/") {
		switch part {
		case "", ".":
		case "..":
			return "", ErrInvalidPath
		default:
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return ".", nil
	}
	return path.Join(parts...), nil
}
