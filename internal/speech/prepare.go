package speech

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// DefaultMaxChars bounds the text sent for synthesis.
const DefaultMaxChars = 600

var (
	magnitudeRE = regexp.MustCompile(`(?i)R\$\s*(-?[\d.,]+)\s*(bilh(?:ões|oes|ão|ao)|bi|milh(?:ões|oes|ão|ao)|mi|mil)\b`)
	currencyRE  = regexp.MustCompile(`R\$\s*(-?[\d.,]+)`)
	markdownRE  = regexp.MustCompile("[*_~`#>|]+")
	bulletRE    = regexp.MustCompile(`(?m)^\s*(?:[-•]|\d+[.)])\s+`)
	spacesRE    = regexp.MustCompile(`[ \t]+`)
	newlinesRE  = regexp.MustCompile(`\n{2,}`)
)

// decorative matches emoji, pictographs and the joiners and selectors that
// glue them together.
var decorative = runes.Predicate(func(r rune) bool {
	switch {
	case unicode.Is(unicode.So, r), unicode.Is(unicode.Sk, r):
		return true
	case r == 0x200D, r == 0x20E3, r >= 0xFE00 && r <= 0xFE0F:
		return true
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	}
	return false
})

// PrepareForSpeech turns a chat answer into text that reads well aloud:
// decorative glyphs and markdown are dropped, currency amounts are spelled
// with their magnitude ("R$ 1,5 mi" becomes "1,5 milhões de reais") and the
// result is cut to maxChars at a sentence or word boundary.
func PrepareForSpeech(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	out, _, err := transform.String(runes.Remove(decorative), text)
	if err != nil {
		out = text
	}
	out = bulletRE.ReplaceAllString(out, "")
	out = markdownRE.ReplaceAllString(out, "")
	out = magnitudeRE.ReplaceAllStringFunc(out, expandMagnitude)
	out = currencyRE.ReplaceAllString(out, "$1 reais")
	out = spacesRE.ReplaceAllString(out, " ")
	out = newlinesRE.ReplaceAllString(out, "\n")
	out = strings.TrimSpace(out)

	return capText(out, maxChars)
}

func expandMagnitude(m string) string {
	parts := magnitudeRE.FindStringSubmatch(m)
	amount, unit := parts[1], strings.ToLower(parts[2])
	single := amount == "1"

	switch {
	case strings.HasPrefix(unit, "bi"):
		if single {
			return amount + " bilhão de reais"
		}
		return amount + " bilhões de reais"
	case unit == "mil":
		return amount + " mil reais"
	default:
		if single {
			return amount + " milhão de reais"
		}
		return amount + " milhões de reais"
	}
}

func capText(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	cut := string(r[:maxChars])
	if i := strings.LastIndexAny(cut, ".!?\n"); i >= maxChars/2 {
		return strings.TrimSpace(cut[:i+1])
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		return strings.TrimSpace(cut[:i]) + "..."
	}
	return cut
}
