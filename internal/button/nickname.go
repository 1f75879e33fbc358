package button

import (
	"strings"
	"unicode/utf8"
)

// MaxNicknameBytes is the nickname limit stored on the button.
const MaxNicknameBytes = 23

// TruncateNickname cuts name to at most MaxNicknameBytes bytes without
// splitting a UTF-8 sequence. Invalid UTF-8 is dropped first.
func TruncateNickname(name string) string {
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "")
	}
	if len(name) <= MaxNicknameBytes {
		return name
	}
	split := MaxNicknameBytes
	// Walk back to the start of the rune straddling the limit.
	for split > 0 && !utf8.RuneStart(name[split]) {
		split--
	}
	return name[:split]
}
