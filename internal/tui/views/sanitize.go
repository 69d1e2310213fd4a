package views

import "strings"

// sanitizeForTerminal drops codepoints tcell renders badly: skin tone
// modifiers, zero width joiners and variation selectors. The base emoji is
// kept, so a thumbs up with a skin tone renders as a plain thumbs up.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F3FB && r <= 0x1F3FF,
			r == 0x200D,
			r >= 0xFE00 && r <= 0xFE0F,
			r >= 0xE0100 && r <= 0xE01EF:
			return -1
		}
		return r
	}, s)
}

// oneLine flattens s for a table cell.
func oneLine(s string) string {
	return strings.Join(strings.Fields(sanitizeForTerminal(s)), " ")
}
