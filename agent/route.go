package agent

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/w1xm/instrument_interface/command"
	"github.com/w1xm/instrument_interface/wire"
)

// handleConsole runs one operator line. ">NODE body" is forwarded to NODE
// through the relay instead of being dispatched here.
func (a *Agent) handleConsole(ctx context.Context, line string) {
	if strings.HasPrefix(strings.TrimSpace(line), ">") {
		m, err := wire.Parse([]byte(line))
		if err != nil {
			a.printf("ERROR: %v\n", err)
			return
		}
		m.Src, m.Dst, m.Route = a.cfg.Node, m.Route, ""
		if err := a.send(a.notifyAddr(), m); err != nil {
			a.printf("ERROR: %v\n", err)
		}
		return
	}
	out := a.dispatcher.DispatchLine(ctx, line, command.Console())
	if out.Status != command.StatusNoReply {
		a.printf("%s\n", out)
	}
}

func (a *Agent) handleDatagram(ctx context.Context, raw string, from net.Addr) {
	for _, line := range strings.Split(strings.TrimRight(raw, "\r\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		a.handleLine(ctx, line, from)
	}
}

func (a *Agent) handleLine(ctx context.Context, line string, from net.Addr) {
	m, err := wire.Parse([]byte(line))
	if err != nil {
		a.dropped(err.Error(), line, from)
		return
	}
	if m.Dst != "" && !strings.EqualFold(m.Dst, a.cfg.Node) {
		a.dropped("not addressed to this node", line, from)
		return
	}
	if m.Route != "" {
		a.dropped("redirect from the network", line, from)
		return
	}
	a.lastPeer = from

	switch {
	case m.Kind == wire.KindPING:
		// Answered here, never dispatched.
		if err := a.send(from, wire.Pong(a.cfg.Node, m.Src)); err != nil {
			a.log.Warn("sending PONG", "to", m.Src, "error", err)
		}
	case m.Kind == wire.KindPONG:
		a.log.Debug("PONG", "from", m.Src)
	case m.Kind.IsReply():
		// Answers to forwarded console commands.
		a.printf("%s\n", m)
	case m.Kind.IsCommand() && m.Src == "":
		a.dropped("command without a source", line, from)
	case m.Kind.IsCommand() && strings.EqualFold(m.Src, command.ConsoleID):
		// The console identity is reserved for the local operator.
		a.dropped("remote source claims the console", line, from)
	case m.Kind.IsCommand():
		out := a.dispatcher.Dispatch(ctx, m.Verb(), m.Args(), command.Remote(m.Src, m.Kind))
		if out.Status == command.StatusNoReply {
			return
		}
		if err := a.send(from, m.Reply(a.cfg.Node, out.Kind(), out.Reply())); err != nil {
			a.log.Warn("sending reply", "to", m.Src, "error", err)
		}
	default:
		a.dropped("unexpected kind "+m.Kind.String(), line, from)
	}
}

func (a *Agent) dropped(reason, line string, from net.Addr) {
	a.log.Warn("dropping datagram", "reason", reason, "line", line, "from", addrString(from))
	if a.metrics != nil {
		a.metrics.ProtocolError()
	}
}

// Notify delivers an asynchronous report, such as exposure completion, to
// the requester: the console, or a peer through the relay.
func (a *Agent) Notify(to string, kind wire.Kind, text string) {
	if to == "" {
		return
	}
	if strings.EqualFold(to, command.ConsoleID) {
		a.printf("%s: %s\n", kind, text)
		return
	}
	m := wire.Message{Kind: kind, Src: a.cfg.Node, Dst: to, Body: text}
	if err := a.send(a.notifyAddr(), m); err != nil {
		a.log.Warn("sending notification", "to", to, "kind", kind.String(), "error", err)
	}
}

func (a *Agent) notifyAddr() net.Addr {
	if a.relay != nil {
		return a.relay
	}
	return a.lastPeer
}

func (a *Agent) send(to net.Addr, m wire.Message) error {
	if to == nil {
		return fmt.Errorf("no relay to send %s to", m.Dst)
	}
	a.log.Debug("send", "to", to.String(), "message", m.String())
	_, err := a.conn.WriteTo(wire.Format(m), to)
	return err
}

func (a *Agent) printf(format string, args ...any) {
	if a.console == nil {
		return
	}
	fmt.Fprintf(a.console, format, args...)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
