package command

import (
	"strings"

	"github.com/w1xm/instrument_interface/wire"
)

// ConsoleID is the identity of commands typed at the local console.
const ConsoleID = "console"

// Origin is the logical source of a command.
type Origin struct {
	console bool
	sender  string
	kind    wire.Kind
}

// Console is the origin of locally typed commands. It is always executive.
func Console() Origin {
	return Origin{console: true, sender: ConsoleID}
}

// Remote is the origin of a command received from sender with the given
// message kind. Only EXEC makes it executive.
func Remote(sender string, kind wire.Kind) Origin {
	return Origin{sender: sender, kind: kind}
}

func (o Origin) IsConsole() bool {
	return o.console
}

// Executive reports whether gated verbs may run for this origin.
func (o Origin) Executive() bool {
	return o.console || o.kind == wire.KindEXEC
}

// ID is the identity used for lock ownership and reply routing.
func (o Origin) ID() string {
	return o.sender
}

// Same reports whether o and other name the same requester.
func (o Origin) Same(id string) bool {
	return strings.EqualFold(o.sender, id)
}

func (o Origin) String() string {
	if o.console {
		return ConsoleID
	}
	return o.sender + "/" + o.kind.String()
}
