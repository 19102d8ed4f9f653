package agent

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// normalizeText lowercases s and strips diacritics so "Résumé" matches "resume".
func normalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// wordsLongerThan splits normalized text into words of more than n runes.
func wordsLongerThan(s string, n int) []string {
	fields := strings.FieldsFunc(normalizeText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > n {
			out = append(out, f)
		}
	}
	return out
}

// foldedText is normalized text that remembers, for each of its runes, the
// rune of the source it came from.
type foldedText struct {
	text    string
	origins []int
	srcLen  int
}

// foldWithOrigins normalizes s one composition segment at a time. Folding
// can change the rune count (decomposed accents, stray combining marks), so
// positions in the folded text are mapped back through origins.
func foldWithOrigins(s string) foldedText {
	var (
		it  norm.Iter
		b   strings.Builder
		out foldedText
	)
	it.InitString(norm.NFC, s)
	consumed, srcRune := 0, 0
	for !it.Done() {
		start := it.Pos()
		srcRune += utf8.RuneCountInString(s[consumed:start])
		consumed = start

		seg := normalizeText(string(it.Next()))
		b.WriteString(seg)
		for range utf8.RuneCountInString(seg) {
			out.origins = append(out.origins, srcRune)
		}
	}
	out.text = b.String()
	out.srcLen = utf8.RuneCountInString(s)
	return out
}

// origin maps a byte offset of the folded text to a rune position in the
// source.
func (f foldedText) origin(byteOffset int) int {
	i := utf8.RuneCountInString(f.text[:min(max(byteOffset, 0), len(f.text))])
	if i >= len(f.origins) {
		return f.srcLen
	}
	return f.origins[i]
}

// excerpt cuts text around rune position pos, marking truncation with
// ellipses.
func excerpt(text string, pos, before, after int) string {
	r := []rune(text)
	pos = min(max(pos, 0), len(r))
	start := max(pos-before, 0)
	end := min(pos+after, len(r))

	out := strings.TrimSpace(string(r[start:end]))
	if start > 0 {
		out = "..." + out
	}
	if end < len(r) {
		out += "..."
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
