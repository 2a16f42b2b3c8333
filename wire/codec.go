package wire

import (
	"strings"
)

// Parse decodes one protocol line. Trailing CR/LF is ignored.
func Parse(raw []byte) (Message, error) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return Message{}, &ProtocolError{Line: line, Reason: "empty line"}
	}

	// Console redirect: ">NODE body".
	if line[0] == '>' {
		node, body := SplitVerb(line[1:])
		if node == "" {
			return Message{}, &ProtocolError{Line: line, Reason: "redirect without destination"}
		}
		if body == "" {
			return Message{}, &ProtocolError{Line: line, Reason: "redirect without command"}
		}
		return Message{Kind: KindREQ, Route: node, Body: body}, nil
	}

	var m Message
	first, rest := SplitVerb(line)
	switch {
	case isAddress(first):
		m.Src, m.Dst = splitAddress(first)
		token, body := SplitVerb(rest)
		if kind, ok := ParseKind(token); ok {
			m.Kind, m.Body = kind, body
		} else {
			m.Kind, m.Body = KindREQ, rest
		}
	case isKindToken(first) && isAddress(firstWord(rest)):
		m.Kind, _ = ParseKind(first)
		addr, body := SplitVerb(rest)
		m.Src, m.Dst = splitAddress(addr)
		m.Body = body
	default:
		m.Kind, m.Body = KindREQ, line
	}

	if m.Src == "" && m.Dst == "" && strings.Contains(first, ">") {
		return Message{}, &ProtocolError{Line: line, Reason: "bad address"}
	}
	if m.Kind.IsCommand() && m.Body == "" {
		return Message{}, &ProtocolError{Line: line, Reason: "no command verb"}
	}
	return m, nil
}

// Format encodes m in canonical form, always ending with Terminator.
// Newlines inside the body are folded so the message stays on one line.
func Format(m Message) []byte {
	var b strings.Builder
	if m.Route != "" && m.Src == "" && m.Dst == "" {
		b.WriteString(">")
		b.WriteString(m.Route)
	} else {
		b.WriteString(m.Src)
		b.WriteString(">")
		b.WriteString(m.Dst)
	}
	b.WriteString(" ")
	b.WriteString(m.Kind.String())
	body := foldLines(m.Body)
	if m.Kind.IsHandshake() {
		if body != "" {
			b.WriteString(" ")
			b.WriteString(body)
		}
	} else {
		b.WriteString(":")
		if body != "" {
			b.WriteString(" ")
			b.WriteString(body)
		}
	}
	b.WriteString(Terminator)
	return []byte(b.String())
}

func foldLines(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	return strings.Join(lines, "; ")
}

func firstWord(s string) string {
	w, _ := SplitVerb(s)
	return w
}

func isKindToken(token string) bool {
	_, ok := ParseKind(token)
	return ok
}

// isAddress accepts "SRC>DST" with both halves non-empty.
func isAddress(token string) bool {
	i := strings.IndexByte(token, '>')
	return i > 0 && i < len(token)-1 && strings.Count(token, ">") == 1
}

func splitAddress(token string) (src, dst string) {
	i := strings.IndexByte(token, '>')
	return token[:i], token[i+1:]
}
