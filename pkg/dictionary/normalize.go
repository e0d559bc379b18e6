package dictionary

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Normalizer maps a raw name to the form stored in, and searched against, the
// index. The same Normalizer must be used on both sides.
type Normalizer func(string) string

// NormalizerFor returns NormalizeName when normalize is set and TrimRoot
// otherwise.
func NormalizerFor(normalize bool) Normalizer {
	if normalize {
		return NormalizeName
	}
	return TrimRoot
}

// TrimRoot drops a single trailing root dot: "example.com." → "example.com".
// The root name "." itself becomes "".
func TrimRoot(name string) string {
	return strings.TrimSuffix(name, ".")
}

// NormalizeName trims surrounding space and the root dot, lowercases ASCII
// names, and converts internationalized names to their ASCII (punycode) form.
// Names that IDNA rejects are only lowercased.
func NormalizeName(name string) string {
	name = TrimRoot(strings.TrimSpace(name))
	if name == "" {
		return ""
	}

	if isASCII(name) {
		return lowerASCII(name)
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return strings.ToLower(name)
	}
	return strings.ToLower(ascii)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// lowerASCII avoids an allocation when s is already lowercase.
func lowerASCII(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if c := b[j]; c >= 'A' && c <= 'Z' {
					b[j] = c + 32
				}
			}
			return string(b)
		}
	}
	return s
}
