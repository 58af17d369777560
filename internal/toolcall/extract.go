package toolcall

import (
	"regexp"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// DefaultTextStreamTools is the allow-list of tools whose single large
// free-text argument is streamed to the caller while its JSON is still
// being generated.
var DefaultTextStreamTools = map[string]bool{
	"insert_text":  true,
	"replace_text": true,
	"rewrite_text": true,
}

// textFieldPattern locates the opening quote of the streamed field's string
// value inside the accumulated argument buffer.
var textFieldPattern = regexp.MustCompile(`"text"\s*:\s*"`)

// TextStreamState is resumable progress through decoding one JSON string
// value that is still being appended to. Zero value means "not yet
// located". Thread the returned state into the next call.
type TextStreamState struct {
	// Cursor is the index of the next unconsumed byte of the argument
	// buffer; 0 means the field's opening quote has not been found yet.
	Cursor int
	// PendingEscape is set when a backslash was consumed but its escape
	// character has not arrived yet.
	PendingEscape bool
	// InUnicode and UnicodeHex track a \uXXXX escape whose four hex
	// digits may be split across separate appends.
	InUnicode  bool
	UnicodeHex string
	// Done is set at the first unescaped closing quote.
	Done bool

	// First half of a UTF-16 surrogate pair, awaiting its partner escape.
	pendingHigh rune
}

// ExtractTextDelta advances the state over whatever bytes were appended to
// rawArgs since the previous call and returns only the newly decoded
// characters. Already-delivered text is never re-emitted.
//
// An invalid hex digit after \u drops that escape silently; this lossy
// behavior is deliberate and load-bearing for truncated payloads.
func ExtractTextDelta(st TextStreamState, rawArgs string) (string, TextStreamState) {
	if st.Done {
		return "", st
	}
	if st.Cursor == 0 {
		loc := textFieldPattern.FindStringIndex(rawArgs)
		if loc == nil {
			return "", st
		}
		st.Cursor = loc[1]
	}

	var out []byte
	i := st.Cursor
	for i < len(rawArgs) {
		c := rawArgs[i]
		i++

		switch {
		case st.InUnicode:
			// The four bytes after \u are consumed unconditionally,
			// even when one of them is the value's closing quote. A
			// window that does not parse as hex is dropped whole and
			// decoding resumes after it.
			st.UnicodeHex += string(c)
			if len(st.UnicodeHex) < 4 {
				continue
			}
			hex := st.UnicodeHex
			st.InUnicode = false
			st.UnicodeHex = ""
			v, err := strconv.ParseUint(hex, 16, 32)
			if err != nil {
				continue // malformed escape, dropped
			}
			out = st.emitRune(out, rune(v))

		case st.PendingEscape:
			st.PendingEscape = false
			switch c {
			case '"':
				out = st.emitByte(out, '"')
			case '\\':
				out = st.emitByte(out, '\\')
			case '/':
				out = st.emitByte(out, '/')
			case 'n':
				out = st.emitByte(out, '\n')
			case 'r':
				out = st.emitByte(out, '\r')
			case 't':
				out = st.emitByte(out, '\t')
			case 'b':
				out = st.emitByte(out, '\b')
			case 'f':
				out = st.emitByte(out, '\f')
			case 'u':
				st.InUnicode = true
				st.UnicodeHex = ""
			default:
				out = st.emitByte(out, c)
			}

		case c == '\\':
			st.PendingEscape = true

		case c == '"':
			out = st.flushPending(out)
			st.Done = true
			st.Cursor = i
			return string(out), st

		default:
			out = st.emitByte(out, c)
		}
	}

	st.Cursor = i
	return string(out), st
}

// emitRune appends one decoded \uXXXX code point, pairing UTF-16
// surrogates that arrive as consecutive escapes.
func (st *TextStreamState) emitRune(out []byte, r rune) []byte {
	if utf16.IsSurrogate(r) {
		if st.pendingHigh != 0 {
			if combined := utf16.DecodeRune(st.pendingHigh, r); combined != utf8.RuneError {
				st.pendingHigh = 0
				return utf8.AppendRune(out, combined)
			}
			out = utf8.AppendRune(out, utf8.RuneError)
			st.pendingHigh = 0
		}
		if r >= 0xD800 && r < 0xDC00 {
			st.pendingHigh = r
			return out
		}
		return utf8.AppendRune(out, utf8.RuneError)
	}
	out = st.flushPending(out)
	return utf8.AppendRune(out, r)
}

// emitByte appends one literal byte, first surfacing any dangling
// unpaired surrogate as a replacement character.
func (st *TextStreamState) emitByte(out []byte, c byte) []byte {
	out = st.flushPending(out)
	return append(out, c)
}

// flushPending converts a high surrogate that never found its partner.
func (st *TextStreamState) flushPending(out []byte) []byte {
	if st.pendingHigh != 0 {
		out = utf8.AppendRune(out, utf8.RuneError)
		st.pendingHigh = 0
	}
	return out
}
