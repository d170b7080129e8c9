package node

import "strings"

// Node keys are dot-separated, so any user-supplied text embedded in a key
// (prefix/suffix payloads, meta names and values) must not contain a literal
// dot. Escape encodes a dot as `\d` and a backslash as `\\`, which keeps the
// encoded form free of dots and makes the round trip lossless.

// Escape encodes s so it can be embedded as a single segment of a node key.
func Escape(s string) string {
	if !strings.ContainsAny(s, `.\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '.':
			b.WriteString(`\d`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Unescape reverses Escape. A trailing or unrecognised escape sequence is
// kept verbatim rather than rejected, since node keys come from operator
// input and storage rows that predate the codec.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case '\\':
			b.WriteByte('\\')
			i++
		case 'd':
			b.WriteByte('.')
			i++
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
