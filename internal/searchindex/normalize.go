package searchindex

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripDiacritics removes combining marks after NFKD decomposition,
// matching normalizeString/normalizeURI's shared transform (§4.4
// "NFKD, strip combining marks").
var stripDiacritics = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeString lowercases, NFKD-decomposes and strips combining marks
// and non-alphanumeric characters, producing value_normalized for the
// string index's default (prefix) search (§4.4 "String").
func normalizeString(s string) string {
	folded, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeURI lowercases and strips diacritics without dropping
// punctuation, since `:contains`/`:above`/`:below` need the path
// separators intact (§4.4 "URI").
func normalizeURI(s string) string {
	folded, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// caseSensitiveTokenSystems lists token systems whose codes must not be
// folded to code_ci — they are case-sensitive by their own spec (§4.4
// "Token": "unless the system is in the known case-sensitive allow-list").
var caseSensitiveTokenSystems = map[string]bool{
	"http://snomed.info/sct":      true,
	"http://loinc.org":            true,
	"https://loinc.org":           true,
	"urn:ietf:rfc:3986":           true,
}

func isCaseSensitiveTokenSystem(system string) bool {
	if caseSensitiveTokenSystems[system] {
		return true
	}
	return strings.HasPrefix(system, "http://") || strings.HasPrefix(system, "https://")
}

// codeCI returns the case-insensitive fold of code for systems outside
// the case-sensitive allow-list, and code unchanged otherwise. Every
// http:// and https:// system counts as case-sensitive, whether or not
// it is listed.
func codeCI(system, code string) string {
	if isCaseSensitiveTokenSystem(system) {
		return code
	}
	return strings.ToLower(code)
}
