package chat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/slack-go/slack"

	"github.com/onnwee/sameroom/identity"
)

// Reasons Translate gives for not delivering a message event.
const (
	DropUnknownConversation = "unknown_conversation"
	DropDeleted             = "message_deleted"
	DropLinkUnfurl          = "link_unfurl"
	DropOwnMessage          = "own_message"
)

var bracketToken = regexp.MustCompile(`<[^>]*>`)

// StripURIBrackets removes the angle brackets around <scheme://...> tokens.
// Mention tokens such as <@U123> are left untouched.
func StripURIBrackets(text string) string {
	return bracketToken.ReplaceAllStringFunc(text, func(tok string) string {
		if strings.Contains(tok, "://") {
			return strings.Trim(tok, "<>")
		}
		return tok
	})
}

// Translate converts a raw "message" event into a Message addressed from the
// sender to selfID. When the event must not be delivered it returns a nil
// Message and the drop reason.
func Translate(raw []byte, selfID string, dir identity.Directory) (*Message, string, error) {
	var ev slack.MessageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, "", fmt.Errorf("decode message event: %w", err)
	}

	var msgType MessageType
	switch identity.ConversationKind(ev.Channel) {
	case identity.KindPublic, identity.KindPrivate:
		msgType = Group
	case identity.KindDirect:
		msgType = Direct
	default:
		return nil, DropUnknownConversation, nil
	}

	switch ev.SubType {
	case "message_deleted":
		return nil, DropDeleted, nil
	case "message_changed":
		// Pasting a link makes Slack re-send the message with its unfurled
		// preview; delivering that again would run commands twice.
		if nestedHasAttachments(raw) {
			return nil, DropLinkUnfurl, nil
		}
	}

	text, sender := ev.Text, ev.User
	if ev.SubMessage != nil {
		text, sender = ev.SubMessage.Text, ev.SubMessage.User
	}
	if sender == "" {
		sender = ev.BotID
	}
	if selfID != "" && sender == selfID {
		return nil, DropOwnMessage, nil
	}

	msg := &Message{
		Body:   StripURIBrackets(text),
		Type:   msgType,
		Extras: map[string]any{ExtraAttachments: ev.Attachments},
	}

	var err error
	if ev.SubType == "bot_message" && sender == "" {
		msg.Extras[ExtraBridged] = true
		msg.Extras[ExtraBridgedDisplayName] = ev.Username
		msg.From, err = identity.NewChannel(dir, ev.Channel)
	} else if msgType == Direct {
		msg.From, err = identity.NewUser(dir, sender, ev.Channel)
	} else {
		msg.From, err = identity.NewOccupant(dir, sender, ev.Channel)
	}
	if err != nil {
		return nil, "", fmt.Errorf("message sender: %w", err)
	}

	if msgType == Direct {
		msg.To, err = identity.NewUser(dir, selfID, ev.Channel)
	} else {
		msg.To, err = identity.NewOccupant(dir, selfID, ev.Channel)
	}
	if err != nil {
		return nil, "", fmt.Errorf("message recipient: %w", err)
	}
	return msg, "", nil
}

func nestedHasAttachments(raw []byte) bool {
	var nested struct {
		Message map[string]json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return false
	}
	_, ok := nested.Message["attachments"]
	return ok
}
