package core

import (
	"regexp"
	"strings"
)

// Injection patterns removed before text reaches a renderer. Removal happens
// at the presentation boundary, never before normalization decisions.
var sanitizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`),
	regexp.MustCompile(`(?is)<script\b[^>]*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`\$\{[^}]*\}`),
	regexp.MustCompile(`\{\{[^}]*\}\}`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
}

// Sanitize strips HTML/script/template-injection patterns from text.
// Unicode content without injection patterns passes through unchanged.
func Sanitize(text string) string {
	out := text
	for _, re := range sanitizePatterns {
		out = re.ReplaceAllString(out, "")
	}
	return out
}

// ContainsPlaceholder reports whether user-facing copy still carries
// template placeholders or stringified sentinel values.
func ContainsPlaceholder(copy string) bool {
	if strings.Contains(copy, "{") && strings.Contains(copy, "}") {
		return true
	}
	for _, bad := range []string{"undefined", "null", "NaN"} {
		if strings.Contains(copy, bad) {
			return true
		}
	}
	return false
}
