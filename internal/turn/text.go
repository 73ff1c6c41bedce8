package turn

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	xunicode "golang.org/x/text/encoding/unicode"
)

// decode turns raw terminal bytes into text, replacing invalid UTF-8 instead of failing.
func decode(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	decoded, err := xunicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return string(decoded)
}

// sanitizeInput strips escape sequences (arrow keys, bracketed paste markers) and the
// remaining control characters from typed input.
func sanitizeInput(raw []byte) string {
	text := decode(raw)
	if strings.ContainsRune(text, '\x1b') {
		text = ansi.Strip(text)
	}
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}

// Preview returns a single-line rendering of prompt truncated to limit runes.
func Preview(prompt string, limit int) string {
	preview := strings.TrimSpace(prompt)
	if limit > 0 && utf8.RuneCountInString(preview) > limit {
		preview = string([]rune(preview)[:limit])
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(preview)
}

func dropLastRune(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	_, size := utf8.DecodeLastRune(raw)
	return raw[:len(raw)-size]
}
