// Package relay forwards chat lines from one watched Slack channel to a local
// TCP display, one connection per line.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/onnwee/sameroom/chat"
	"github.com/onnwee/sameroom/identity"
)

const replySize = 1024

// Forwarder is a chat.Handler that writes "<Real Name> body" for every group
// message posted in Channel to Addr. Unreachable displays are logged and
// skipped.
type Forwarder struct {
	chat.NopHandler

	Channel string // room name, with or without '#'
	Addr    string
	Timeout time.Duration // per line, default 2s
}

// New returns a Forwarder for channel and addr.
func New(channel, addr string) *Forwarder {
	return &Forwarder{Channel: strings.TrimPrefix(channel, "#"), Addr: addr, Timeout: 2 * time.Second}
}

func (f *Forwarder) OnMessage(ctx context.Context, msg *chat.Message) {
	if !msg.IsGroup() || roomOf(msg.From) != strings.TrimPrefix(f.Channel, "#") {
		return
	}
	line := Prefix(msg) + msg.Body
	reply, err := f.send(ctx, line)
	log := slog.Default().With(slog.String("component", "relay"), slog.String("addr", f.Addr))
	if err != nil {
		log.Debug("relay display unreachable", slog.Any("err", err))
		return
	}
	log.Debug("relayed line", slog.String("reply", reply))
}

// Prefix renders the sender tag: "<Real Name> " for people, "<display> " for
// bridged messages and nothing when neither is known.
func Prefix(msg *chat.Message) string {
	if name, ok := msg.Bridged(); ok {
		if name == "" {
			return ""
		}
		return "<" + name + "> "
	}
	type realNamer interface{ RealName() (string, error) }
	if u, ok := msg.From.(realNamer); ok {
		if name, err := u.RealName(); err == nil && name != "" {
			return "<" + name + "> "
		}
	}
	return ""
}

func roomOf(from identity.Identifier) string {
	var (
		name string
		err  error
	)
	switch v := from.(type) {
	case *identity.Occupant:
		name, err = v.Room()
	case *identity.Channel:
		name, err = v.Name()
	default:
		return ""
	}
	if err != nil {
		return ""
	}
	return name
}

func (f *Forwarder) send(ctx context.Context, line string) (string, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.Addr)
	if err != nil {
		return "", fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline) //nolint:errcheck // a failed deadline surfaces on the write
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("write relay: %w", err)
	}
	buf := make([]byte, replySize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("read relay reply: %w", err)
	}
	return string(buf[:n]), nil
}
