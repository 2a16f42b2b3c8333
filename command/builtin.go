package command

import (
	"context"
	"strings"

	"github.com/w1xm/instrument_interface/internal/log"
)

// Builtins returns the verbs every agent carries besides help: quit,
// verbose, and the hidden ping/pong aliases.
func Builtins(stop func(), logger log.Logger) []Entry {
	return []Entry{
		{
			Verb:        "quit",
			Usage:       "quit",
			Description: "terminate the agent",
			Executive:   true,
			Handler: func(ctx context.Context, req Request) Outcome {
				stop()
				return OK("QUIT agent shutting down")
			},
		},
		{
			Verb:        "verbose",
			Usage:       "verbose [on|off]",
			Description: "show or set debug logging",
			Executive:   true,
			Handler: func(ctx context.Context, req Request) Outcome {
				switch strings.ToLower(req.Args) {
				case "":
				case "on":
					logger.SetDebug(true)
				case "off":
					logger.SetDebug(false)
				default:
					return Errorf(CodeUsage, "usage: verbose [on|off]")
				}
				if logger.DebugEnabled() {
					return OK("verbose=on")
				}
				return OK("verbose=off")
			},
		},
		{
			Verb: "ping",
			Handler: func(ctx context.Context, req Request) Outcome {
				return OK("PONG")
			},
		},
		{
			// A PONG is an answer; answering it would loop.
			Verb: "pong",
			Handler: func(ctx context.Context, req Request) Outcome {
				return NoReply
			},
		},
	}
}
