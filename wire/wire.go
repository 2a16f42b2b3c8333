// Package wire parses and formats the line protocol spoken between the
// instrument agents, the message relay, and the operator consoles.
//
// The canonical form of a line is
//
//	SRC>DST KIND: verb args...
//
// for example "IE>M1.AGW REQ: setxy 10 5" or "M1.AGW>IE DONE: +lock lockHost=IE".
// PING and PONG carry no colon and usually no body. On input the order
// "KIND SRC>DST body" is accepted too, as is the console redirect form
// ">NODE body" and a bare verb line.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Terminator ends every formatted line.
const Terminator = "\n"

// Kind is the message type token.
type Kind int

const (
	KindUnknown Kind = iota
	KindREQ
	KindEXEC
	KindDONE
	KindERROR
	KindWARNING
	KindFATAL
	KindSTATUS
	KindPING
	KindPONG
)

var kindNames = map[Kind]string{
	KindREQ:     "REQ",
	KindEXEC:    "EXEC",
	KindDONE:    "DONE",
	KindERROR:   "ERROR",
	KindWARNING: "WARNING",
	KindFATAL:   "FATAL",
	KindSTATUS:  "STATUS",
	KindPING:    "PING",
	KindPONG:    "PONG",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind recognises a kind token, case-insensitively and with or without
// the trailing colon.
func ParseKind(token string) (Kind, bool) {
	token = strings.ToUpper(strings.TrimSuffix(token, ":"))
	for k, name := range kindNames {
		if name == token {
			return k, true
		}
	}
	return KindUnknown, false
}

// IsCommand reports whether messages of this kind are dispatched as commands.
func (k Kind) IsCommand() bool {
	return k == KindREQ || k == KindEXEC
}

// IsHandshake reports whether k is PING or PONG.
func (k Kind) IsHandshake() bool {
	return k == KindPING || k == KindPONG
}

// IsReply reports whether k is one of the reply/report kinds.
func (k Kind) IsReply() bool {
	switch k {
	case KindDONE, KindERROR, KindWARNING, KindFATAL, KindSTATUS:
		return true
	}
	return false
}

// ErrMalformed is wrapped by every ProtocolError.
var ErrMalformed = errors.New("malformed message")

// ProtocolError describes a line that could not be parsed.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed message %q: %s", e.Line, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return ErrMalformed
}

// Message is one unit of protocol traffic.
type Message struct {
	Kind Kind
	Src  string
	Dst  string
	// Route is set only for the ">NODE body" redirect form.
	Route string
	// Body is the verb followed by its argument text.
	Body string
}

// Verb returns the first word of the body.
func (m Message) Verb() string {
	verb, _ := SplitVerb(m.Body)
	return verb
}

// Args returns the body after the verb, with surrounding space trimmed.
func (m Message) Args() string {
	_, args := SplitVerb(m.Body)
	return args
}

// SplitVerb splits text into its first word and the trimmed remainder.
func SplitVerb(text string) (verb, args string) {
	text = strings.TrimSpace(text)
	i := strings.IndexAny(text, " \t")
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

// Reply builds a message from self back to the sender of m.
func (m Message) Reply(self string, kind Kind, text string) Message {
	return Message{Kind: kind, Src: self, Dst: m.Src, Body: text}
}

// Pong builds the handshake answer to a received PING.
func Pong(self, to string) Message {
	return Message{Kind: KindPONG, Src: self, Dst: to}
}

func (m Message) String() string {
	return strings.TrimSuffix(string(Format(m)), Terminator)
}
