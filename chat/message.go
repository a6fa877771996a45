package chat

import "github.com/onnwee/sameroom/identity"

// MessageType tags a message as one-to-one or multi-user.
type MessageType string

const (
	Direct MessageType = "direct"
	Group  MessageType = "group"
)

// Extras keys set by the translator.
const (
	ExtraAttachments        = "attachments"
	ExtraBridged            = "bridged"
	ExtraBridgedDisplayName = "bridged_display_name"
)

// Message is the backend-neutral envelope handed to OnMessage and accepted by
// Send.
type Message struct {
	Body   string
	Type   MessageType
	From   identity.Identifier
	To     identity.Identifier
	Extras map[string]any
}

// IsDirect reports whether the message is one-to-one.
func (m *Message) IsDirect() bool { return m.Type == Direct }

// IsGroup reports whether the message was posted in a channel or group.
func (m *Message) IsGroup() bool { return m.Type == Group }

// Bridged reports whether the message was relayed by an integration without a
// native sender, and the display name it carried.
func (m *Message) Bridged() (string, bool) {
	if b, _ := m.Extras[ExtraBridged].(bool); !b {
		return "", false
	}
	name, _ := m.Extras[ExtraBridgedDisplayName].(string)
	return name, true
}
