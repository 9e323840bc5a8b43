package cli

import (
	"path"
	"strings"
)

// isValidURL reports whether raw looks like a downloadable HTTP(S) URL.
func isValidURL(raw string) bool {
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return len(raw) > 8
	}
	return false
}

// outputFilename derives a destination file name from the URL's last path
// segment, falling back to "download.bin" when the URL has none.
func outputFilename(rawURL string) string {
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	name := path.Base(trimmed)
	if name == "" || name == "." || name == "/" || strings.HasSuffix(trimmed, "/") {
		return "download.bin"
	}
	// path.Base on "http://host" yields the host, not a file name.
	rest := strings.TrimPrefix(strings.TrimPrefix(trimmed, "https://"), "http://")
	if !strings.Contains(rest, "/") {
		return "download.bin"
	}
	return name
}

// normalizeChecksum strips the optional "sha256:" prefix.
func normalizeChecksum(checksum string) string {
	return strings.TrimPrefix(checksum, "sha256:")
}
