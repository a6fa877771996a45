package chat

import (
	"context"

	"github.com/onnwee/sameroom/identity"
)

// Presence is the neutral presence status reported upward.
type Presence string

const (
	Online Presence = "online"
	Away   Presence = "away"
)

// Handler is the upward callback surface implemented by the application.
// Callbacks run on the read loop; a slow callback delays the next event.
type Handler interface {
	OnMessage(ctx context.Context, msg *Message)
	OnPresence(ctx context.Context, who identity.Identifier, status Presence)
	OnConnect(ctx context.Context)
	OnDisconnect(ctx context.Context)
}

// NopHandler ignores every callback. Embed it to implement only some of them.
type NopHandler struct{}

func (NopHandler) OnMessage(context.Context, *Message)                       {}
func (NopHandler) OnPresence(context.Context, identity.Identifier, Presence) {}
func (NopHandler) OnConnect(context.Context)                                 {}
func (NopHandler) OnDisconnect(context.Context)                              {}
