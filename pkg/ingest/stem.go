package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const maxStemLen = 96

// Stem derives the dedup key for an item from its canonical URI. The mapping
// is stable across ingests: the same URI always yields the same stem, and
// collisions between distinct URIs are avoided with a short content-free hash
// suffix when slugging loses information.
func Stem(uri string) string {
	s := strings.ToLower(strings.TrimSpace(uri))
	for _, prefix := range []string{"https://", "http://", "file://"} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			s = rest
			break
		}
	}
	s = strings.Trim(s, "/")

	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-.")

	// The hash pins identity whenever the slug is lossy or empty.
	if slug != s || slug == "" {
		sum := sha256.Sum256([]byte(uri))
		suffix := hex.EncodeToString(sum[:4])
		if slug == "" {
			return suffix
		}
		if len(slug) > maxStemLen {
			slug = slug[:maxStemLen]
		}
		return slug + "-" + suffix
	}
	if len(slug) > maxStemLen {
		sum := sha256.Sum256([]byte(uri))
		return slug[:maxStemLen] + "-" + hex.EncodeToString(sum[:4])
	}
	return slug
}
