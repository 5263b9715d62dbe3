package textproc

import "strings"

// DefaultChunkChars is the chunk size used when the payload does not set
// one. It keeps each synthesis call comfortably inside vendor request
// limits.
const DefaultChunkChars = 800

// Chunk splits normalized text into pieces of at most maxChars runes,
// preferring sentence boundaries and falling back to word boundaries for
// oversized sentences. Order is preserved and no text is dropped.
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultChunkChars
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	sentences := splitSentences(trimmed)

	var (
		chunks  []string
		builder strings.Builder
	)

	flush := func() {
		if builder.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(builder.String()))
			builder.Reset()
		}
	}

	for _, sentence := range sentences {
		if len([]rune(sentence)) > maxChars {
			flush()

			chunks = append(chunks, splitByWords(sentence, maxChars)...)

			continue
		}

		if builder.Len() > 0 && builder.Len()+len(sentence)+1 > maxChars {
			flush()
		}

		if builder.Len() > 0 {
			builder.WriteString(" ")
		}

		builder.WriteString(sentence)
	}

	flush()

	return chunks
}

// splitSentences cuts text after terminal punctuation followed by a space.
// Abbreviation expansion upstream keeps false positives rare.
func splitSentences(text string) []string {
	var (
		sentences []string
		start     int
	)

	runes := []rune(text)

	for i := 0; i < len(runes)-1; i++ {
		if isTerminal(runes[i]) && runes[i+1] == ' ' {
			sentence := strings.TrimSpace(string(runes[start : i+1]))
			if sentence != "" {
				sentences = append(sentences, sentence)
			}

			start = i + 1
		}
	}

	tail := strings.TrimSpace(string(runes[start:]))
	if tail != "" {
		sentences = append(sentences, tail)
	}

	return sentences
}

// splitByWords hard-wraps one oversized sentence at word boundaries.
func splitByWords(sentence string, maxChars int) []string {
	words := strings.Fields(sentence)

	var (
		pieces  []string
		builder strings.Builder
	)

	for _, word := range words {
		if builder.Len() > 0 && builder.Len()+len(word)+1 > maxChars {
			pieces = append(pieces, builder.String())
			builder.Reset()
		}

		if builder.Len() > 0 {
			builder.WriteString(" ")
		}

		builder.WriteString(word)
	}

	if builder.Len() > 0 {
		pieces = append(pieces, builder.String())
	}

	return pieces
}

func isTerminal(char rune) bool {
	return char == '.' || char == '!' || char == '?'
}
