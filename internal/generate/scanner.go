package generate

import "strings"

// objectScanner pulls complete todo objects out of a partially streamed
// document shaped like {"todos":[{...},{...}]} or a bare [{...}].
// Objects whose parent is an array no deeper than the root object are
// returned as soon as their closing brace arrives. Text outside JSON
// containers (code fences, prose) is skipped.
type objectScanner struct {
	stack        []byte
	inString     bool
	escaped      bool
	capturing    bool
	captureDepth int
	buf          strings.Builder
}

// Feed consumes the next chunk and returns any objects it completed.
func (s *objectScanner) Feed(chunk string) []string {
	var out []string
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		if s.inString {
			if s.capturing {
				s.buf.WriteByte(c)
			}
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		if len(s.stack) == 0 && c != '{' && c != '[' {
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{', '[':
			depth := len(s.stack)
			if c == '{' && !s.capturing && depth > 0 && depth <= 2 && s.stack[depth-1] == '[' {
				s.capturing = true
				s.captureDepth = depth + 1
				s.buf.Reset()
			}
			s.stack = append(s.stack, c)
		case '}', ']':
			if s.capturing {
				s.buf.WriteByte(c)
			}
			if len(s.stack) > 0 {
				s.stack = s.stack[:len(s.stack)-1]
			}
			if s.capturing && c == '}' && len(s.stack) == s.captureDepth-1 {
				out = append(out, s.buf.String())
				s.capturing = false
			}
			continue
		}

		if s.capturing {
			s.buf.WriteByte(c)
		}
	}
	return out
}
