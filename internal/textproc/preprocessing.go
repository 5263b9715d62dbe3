// Package textproc normalizes raw text for synthesis and splits it into
// bounded chunks on sentence boundaries. It backs the built-in handler for
// the text domain.
package textproc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Bases for the integer-to-words conversion.
const (
	baseTen      = 10
	baseTwenty   = 20
	baseHundred  = 100
	baseThousand = 1000
	// maxNumberForWords caps the conversion; larger integers read better
	// as digits anyway.
	maxNumberForWords = 999999
)

// Regex patterns for the normalization pipeline.
const (
	urlRegexPattern        = `https?://\S+`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	integerRegexPattern    = `\d+`
	referenceRegexPattern  = `(?:\[\d+\]|\(\d+\)|[¹²³⁴⁵⁶⁷⁸⁹⁰]+)`
	citationRegexPattern   = `\([^)]*\d{4}[^)]*\)|\b\w+\s+et\s+al\.`
	whitespaceRegexPattern = `\s+`
)

// Placeholder formats for tokens the cleaning passes must not touch. The
// tag is letters only so the digit conversion cannot corrupt it.
const (
	urlPlaceholderFormat   = `__URL_TOKEN_%s__`
	emailPlaceholderFormat = `__EMAIL_TOKEN_%s__`
)

// Normalizer performs the text normalization pipeline: abbreviation
// expansion, integer-to-words, URL/email preservation, reference and
// citation stripping, and whitespace/punctuation cleanup.
type Normalizer struct {
	urlPattern        *regexp.Regexp
	emailPattern      *regexp.Regexp
	integerPattern    *regexp.Regexp
	referencePattern  *regexp.Regexp
	citationPattern   *regexp.Regexp
	whitespacePattern *regexp.Regexp

	abbreviations *strings.Replacer
	typography    *strings.Replacer
}

// NewNormalizer creates a normalizer with its patterns and replacers
// compiled up front.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		urlPattern:        regexp.MustCompile(urlRegexPattern),
		emailPattern:      regexp.MustCompile(emailRegexPattern),
		integerPattern:    regexp.MustCompile(integerRegexPattern),
		referencePattern:  regexp.MustCompile(referenceRegexPattern),
		citationPattern:   regexp.MustCompile(citationRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		abbreviations: strings.NewReplacer(
			"Mr.", "Mister",
			"Mrs.", "Misses",
			"Ms.", "Miss",
			"Dr.", "Doctor",
			"Prof.", "Professor",
			"St.", "Saint",
			"Co.", "Company",
			"Ltd.", "Limited",
			"Corp.", "Corporation",
			"Inc.", "Incorporated",
			"vs.", "versus",
			"etc.", "et cetera",
		),
		typography: strings.NewReplacer(
			"—", "-",
			"–", "-",
			"‒", "-",
			"…", "...",
			"“", `"`,
			"”", `"`,
			"‘", "'",
			"’", "'",
		),
	}
}

// Normalize runs the full pipeline over raw text.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return text
	}

	// Expand abbreviations first, while word boundaries are intact.
	normalized := n.abbreviations.Replace(text)

	// Shield tokens the later passes would corrupt: URLs and emails may
	// carry digits and punctuation of their own.
	shielded, placeholders := n.shieldTokens(normalized)

	// Strip references and citations before digits turn into words,
	// otherwise "[1]" becomes "[one]" and escapes the pattern.
	cleaned := n.referencePattern.ReplaceAllString(shielded, "")
	cleaned = n.citationPattern.ReplaceAllString(cleaned, "")
	cleaned = n.spellOutIntegers(cleaned)
	cleaned = strings.TrimSpace(n.whitespacePattern.ReplaceAllString(cleaned, " "))

	restored := restoreTokens(cleaned, placeholders)

	final := n.typography.Replace(restored)
	final = collapsePunctuation(final)

	return ensureSentenceEnding(final)
}

// spellOutIntegers converts standalone integers to words, leaving anything
// past the cap or non-numeric untouched.
func (n *Normalizer) spellOutIntegers(text string) string {
	return n.integerPattern.ReplaceAllStringFunc(text, func(match string) string {
		value, err := strconv.Atoi(match)
		if err != nil || value > maxNumberForWords {
			return match
		}

		return integerToWords(value)
	})
}

// shieldTokens replaces URLs and emails with unique placeholders so the
// cleanup passes cannot corrupt them. Identical tokens each get their own
// placeholder.
func (n *Normalizer) shieldTokens(text string) (string, map[string]string) {
	placeholders := make(map[string]string)
	counter := 0

	shield := func(pattern *regexp.Regexp, format string, input string) string {
		return pattern.ReplaceAllStringFunc(input, func(match string) string {
			placeholder := fmt.Sprintf(format, placeholderTag(counter))
			placeholders[placeholder] = match
			counter++

			return placeholder
		})
	}

	shielded := shield(n.urlPattern, urlPlaceholderFormat, text)
	shielded = shield(n.emailPattern, emailPlaceholderFormat, shielded)

	return shielded, placeholders
}

// placeholderTag encodes a counter as lowercase letters.
func placeholderTag(counter int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"

	tag := []byte{alphabet[counter%len(alphabet)]}
	for counter /= len(alphabet); counter > 0; counter /= len(alphabet) {
		tag = append([]byte{alphabet[counter%len(alphabet)]}, tag...)
	}

	return string(tag)
}

func restoreTokens(text string, placeholders map[string]string) string {
	for placeholder, original := range placeholders {
		text = strings.ReplaceAll(text, placeholder, original)
	}

	return text
}

// collapsePunctuation drops runs of the same sentence punctuation mark.
// Restricting it to sentence punctuation keeps URLs and placeholder
// underscores intact.
func collapsePunctuation(text string) string {
	const collapsible = ".,!?;:"

	var (
		result []rune
		prev   rune
	)

	for _, char := range text {
		if char == prev && strings.ContainsRune(collapsible, char) {
			continue
		}

		result = append(result, char)
		prev = char
	}

	return string(result)
}

// ensureSentenceEnding closes the text with terminal punctuation so the
// synthesis prosody does not trail off.
func ensureSentenceEnding(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(trimmed)

	switch lastChar {
	case '.', '!', '?':
		return trimmed
	}

	if unicode.IsPunct(lastChar) {
		trimmed = strings.TrimRightFunc(trimmed, unicode.IsPunct)
	}

	return trimmed + "."
}

// integerToWords converts a non-negative integer up to the cap into its
// English word form.
func integerToWords(value int) string {
	if value == 0 {
		return "zero"
	}

	ones := []string{
		"", "one", "two", "three", "four", "five",
		"six", "seven", "eight", "nine",
	}
	teens := []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tens := []string{
		"", "", "twenty", "thirty", "forty", "fifty",
		"sixty", "seventy", "eighty", "ninety",
	}

	var parts []string

	if value >= baseThousand {
		parts = append(parts, integerToWords(value/baseThousand), "thousand")
		value %= baseThousand
	}

	if value >= baseHundred {
		parts = append(parts, ones[value/baseHundred], "hundred")
		value %= baseHundred
	}

	switch {
	case value >= baseTwenty:
		word := tens[value/baseTen]
		if value%baseTen > 0 {
			word += " " + ones[value%baseTen]
		}

		parts = append(parts, word)
	case value >= baseTen:
		parts = append(parts, teens[value-baseTen])
	case value > 0:
		parts = append(parts, ones[value])
	}

	return strings.Join(parts, " ")
}
