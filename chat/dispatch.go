package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/onnwee/sameroom/telemetry"
)

// EventHandler handles one decoded RTM frame of a registered type.
type EventHandler interface {
	HandleEvent(ctx context.Context, raw []byte) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, raw []byte) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, raw []byte) error { return f(ctx, raw) }

// Dispatcher routes RTM frames to handlers by their "type" field. A failing
// or panicking handler is logged and counted; Dispatch itself never fails, so
// one bad event cannot end the read loop.
type Dispatcher struct {
	handlers map[string]EventHandler
}

// NewDispatcher returns an empty routing table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]EventHandler)}
}

// Register installs h for eventType, replacing any previous handler.
func (d *Dispatcher) Register(eventType string, h EventHandler) {
	d.handlers[eventType] = h
}

// Dispatch routes one frame and reports whether a handler ran.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) bool {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "dispatch"))

	var head struct {
		Type    string `json:"type"`
		ReplyTo *int   `json:"reply_to"`
		OK      *bool  `json:"ok"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		log.Warn("dropping unparseable frame", slog.Any("err", err), slog.Int("bytes", len(raw)))
		telemetry.IncDropped("malformed")
		return false
	}
	if head.Type == "" {
		if head.ReplyTo != nil && head.OK != nil && !*head.OK {
			log.Warn("message rejected by server", slog.Int("reply_to", *head.ReplyTo), slog.String("frame", string(raw)))
		} else {
			log.Debug("ignoring non-event frame", slog.String("frame", string(raw)))
		}
		telemetry.IncDropped("untyped")
		return false
	}

	h, ok := d.handlers[head.Type]
	if !ok {
		log.Debug("no event handler registered, ignoring event", slog.String("type", head.Type))
		telemetry.IncDropped("unhandled")
		return false
	}

	telemetry.IncEvent(head.Type)
	if err := invoke(ctx, head.Type, h, raw); err != nil {
		log.Error("event handler failed", slog.String("type", head.Type), slog.Any("err", err))
		telemetry.IncEventFailure(head.Type)
	}
	return true
}

func invoke(ctx context.Context, eventType string, h EventHandler, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EventHandlingError{Type: eventType, Panic: r}
		}
	}()
	if herr := h.HandleEvent(ctx, raw); herr != nil {
		return &EventHandlingError{Type: eventType, Err: herr}
	}
	return nil
}
