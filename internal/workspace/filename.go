package workspace

import (
	"path/filepath"
	"strings"
)

// SanitizeFilename reduces name to ASCII letters, digits, dots, dashes and
// underscores. Directory parts are dropped, spaces become underscores and
// leading dots or underscores are trimmed. A stem that cleans down to
// nothing becomes "upload".
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" {
		base = ""
	}
	ext := cleanPart(strings.TrimPrefix(filepath.Ext(base), "."))
	stem := cleanPart(strings.TrimSuffix(base, filepath.Ext(base)))
	stem = strings.TrimLeft(stem, "._")
	if stem == "" {
		stem = "upload"
	}
	if ext == "" {
		return stem
	}
	return stem + "." + strings.ToLower(ext)
}

func cleanPart(s string) string {
	s = strings.Join(strings.Fields(s), "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return -1
	}, s)
}

// Ext returns the lower-cased extension of name without the dot.
func Ext(name string) string {
	ext := filepath.Ext(strings.TrimSpace(name))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
