package aria2rpc

import (
	"path/filepath"
	"strings"
)

// SanitizePath rewrites an absolute server-side path (as returned in a
// tellStatus files[].path or dir) to a path relative to root, so absolute
// server paths never leave the process boundary. The .incomplete suffix
// aria2 appends to in-progress files is stripped.
func SanitizePath(root, absPath string) string {
	clean := strings.TrimSuffix(absPath, ".incomplete")
	rel, err := filepath.Rel(root, clean)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(clean)
	}
	return rel
}
