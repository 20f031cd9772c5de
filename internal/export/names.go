package export

import (
	"strings"
	"unicode"
)

const maxFilenameRunes = 50

// sanitizeFilename keeps letters, digits, '-' and '_', turns spaces into '-'
// and caps the stem at maxFilenameRunes.
func sanitizeFilename(title string) string {
	var b strings.Builder
	n := 0
	for _, r := range title {
		if n == maxFilenameRunes {
			break
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		default:
			continue
		}
		n++
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
