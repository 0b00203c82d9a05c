package abi

import (
	"unicode"

	"golang.org/x/text/encoding/unicode/utf32"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// validUTF8 decodes and re-encodes through UTF-32 purely to force a strict
// well-formedness check; malformed input comes back as the replacement rune,
// which we reject outright rather than silently accepting garbage into a
// task name.
var validUTF8 = utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM)

// dropControl removes runes a terminal/log line should never contain.
var dropControl = runes.Remove(runes.Predicate(func(r rune) bool {
	return unicode.IsControl(r) || r == unicode.ReplacementChar
}))

// SanitizeName validates and normalizes a user-supplied task name for
// SETNAME and the post-exec name rewrite (spec.md §4.4). It enforces valid
// UTF-8, strips control characters, and truncates to TaskNameMax-1 bytes
// (reserving room for the NUL the kernel stores the name with). An empty
// result after sanitization is an error, since a nameless task is not
// meaningful to get_task_info.
func SanitizeName(raw string) (string, Err_t) {
	enc := validUTF8.NewEncoder()
	if _, _, err := transform.String(enc, raw); err != nil {
		return "", -1
	}
	clean, _, err := transform.String(dropControl, raw)
	if err != nil {
		return "", -1
	}
	if clean == "" {
		return "", -1
	}
	max := TaskNameMax - 1
	if len(clean) > max {
		// truncate on a rune boundary
		for max > 0 && !isRuneStart(clean[max]) {
			max--
		}
		clean = clean[:max]
	}
	return clean, 0
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
