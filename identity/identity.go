// Package identity models Slack users and conversations as backend-neutral
// identifiers.
//
// Raw IDs are validated against Slack's prefix scheme when an identifier is
// constructed and never change afterwards. Human-readable names are looked up
// through a Directory every time they are requested, so they always reflect the
// session's current view of the workspace.
package identity

import "strings"

// Directory is the reverse-lookup surface identifiers resolve names through.
// Lookups that have no entry return a *NotFoundError.
type Directory interface {
	UserName(userID string) (string, error)
	UserRealName(userID string) (string, error)
	ChannelName(channelID string) (string, error)
}

// Kind classifies a conversation ID by its prefix letter.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPublic is a public channel (C*).
	KindPublic
	// KindPrivate is a private group (G*).
	KindPrivate
	// KindDirect is a direct-message channel (D*).
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindPublic:
		return "public"
	case KindPrivate:
		return "private"
	case KindDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ConversationKind returns the kind encoded in a conversation ID prefix.
func ConversationKind(channelID string) Kind {
	if channelID == "" {
		return KindUnknown
	}
	switch channelID[0] {
	case 'C':
		return KindPublic
	case 'G':
		return KindPrivate
	case 'D':
		return KindDirect
	default:
		return KindUnknown
	}
}

// IsUserID reports whether id carries a human (U*) or bot (B*) prefix.
func IsUserID(id string) bool {
	return id != "" && (id[0] == 'U' || id[0] == 'B')
}

// IsConversationID reports whether id carries one of the conversation prefixes.
func IsConversationID(id string) bool {
	return ConversationKind(id) != KindUnknown
}

// Identifier is implemented by User, Channel and Occupant.
type Identifier interface {
	// UserID is the raw user or bot ID, empty for a bare conversation.
	UserID() string
	// ChannelID is the conversation the identifier is reachable through, if known.
	ChannelID() string
	// Name resolves the human-readable name through the directory.
	Name() (string, error)
	// String renders @user, #channel or #channel/@user.
	String() string
}

func lookupOrRaw(lookup func(string) (string, error), id string) string {
	if name, err := lookup(id); err == nil {
		return name
	}
	return "<" + id + ">"
}

// User is a person or bot, optionally bound to the conversation used to reach it.
type User struct {
	userID    string
	channelID string
	dir       Directory
}

// NewUser validates userID (and channelID, when given) and returns a User.
func NewUser(dir Directory, userID, channelID string) (*User, error) {
	if !IsUserID(userID) {
		return nil, &InvalidIdentifierError{Input: userID, Reason: "not a Slack user or bot id (should start with U or B)"}
	}
	if channelID != "" && !IsConversationID(channelID) {
		return nil, &InvalidIdentifierError{Input: channelID, Reason: "not a valid Slack channel id (should start with C, G or D)"}
	}
	return &User{userID: userID, channelID: channelID, dir: dir}, nil
}

func (u *User) UserID() string    { return u.userID }
func (u *User) ChannelID() string { return u.channelID }

// Name returns the user's handle.
func (u *User) Name() (string, error) {
	if u.dir == nil {
		return "", &NotFoundError{Kind: "user", Key: u.userID}
	}
	return u.dir.UserName(u.userID)
}

// RealName returns the user's full name as set in their profile.
func (u *User) RealName() (string, error) {
	if u.dir == nil {
		return "", &NotFoundError{Kind: "user", Key: u.userID}
	}
	return u.dir.UserRealName(u.userID)
}

func (u *User) String() string {
	return "@" + lookupOrRaw(func(string) (string, error) { return u.Name() }, u.userID)
}

// Channel is a bare conversation: a public channel, private group or DM.
type Channel struct {
	channelID string
	dir       Directory
}

// NewChannel validates channelID and returns a Channel.
func NewChannel(dir Directory, channelID string) (*Channel, error) {
	if !IsConversationID(channelID) {
		return nil, &InvalidIdentifierError{Input: channelID, Reason: "not a valid Slack channel id (should start with C, G or D)"}
	}
	return &Channel{channelID: channelID, dir: dir}, nil
}

func (c *Channel) UserID() string    { return "" }
func (c *Channel) ChannelID() string { return c.channelID }
func (c *Channel) Kind() Kind        { return ConversationKind(c.channelID) }

// Name returns the channel name without the leading '#'.
func (c *Channel) Name() (string, error) {
	if c.dir == nil {
		return "", &NotFoundError{Kind: "channel", Key: c.channelID}
	}
	return c.dir.ChannelName(c.channelID)
}

func (c *Channel) String() string {
	return "#" + lookupOrRaw(func(string) (string, error) { return c.Name() }, c.channelID)
}

// Occupant is a user observed inside a specific conversation.
type Occupant struct {
	User
}

// NewOccupant returns user userID scoped to conversation channelID. Both are required.
func NewOccupant(dir Directory, userID, channelID string) (*Occupant, error) {
	if channelID == "" {
		return nil, &InvalidIdentifierError{Input: channelID, Reason: "occupant requires a channel id"}
	}
	u, err := NewUser(dir, userID, channelID)
	if err != nil {
		return nil, err
	}
	return &Occupant{User: *u}, nil
}

// Room returns the name of the conversation the occupant was seen in.
func (o *Occupant) Room() (string, error) {
	if o.dir == nil {
		return "", &NotFoundError{Kind: "channel", Key: o.channelID}
	}
	return o.dir.ChannelName(o.channelID)
}

// Equal reports whether both occupants name the same user in the same conversation.
func (o *Occupant) Equal(other *Occupant) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.userID == other.userID && o.channelID == other.channelID
}

func (o *Occupant) String() string {
	room := lookupOrRaw(func(string) (string, error) { return o.Room() }, o.channelID)
	return "#" + room + "/" + o.User.String()
}

// Parsed holds whichever parts ParseIdentifier found. At least one field is set.
type Parsed struct {
	UserName    string
	UserID      string
	ChannelName string
	ChannelID   string
}

// ParseIdentifier understands the textual forms people and Slack clients use:
//
//	<@U12345>  <#C12345>  <#C12345|general>  @user  #channel  #channel/user
func ParseIdentifier(text string) (Parsed, error) {
	const usage = "should be of the format <#C12345>, <@U12345>, @user, #channel/user or #channel"
	raw := text
	text = strings.TrimSpace(text)
	if text == "" {
		return Parsed{}, &InvalidIdentifierError{Input: raw, Reason: "empty identifier, " + usage}
	}

	if len(text) >= 2 && text[0] == '<' && text[len(text)-1] == '>' {
		inner := text[1 : len(text)-1]
		inner = strings.TrimLeft(inner, "@#")
		if i := strings.IndexByte(inner, '|'); i >= 0 {
			inner = inner[:i]
		}
		switch {
		case inner == "":
			return Parsed{}, &InvalidIdentifierError{Input: raw, Reason: "empty Slack id"}
		case IsUserID(inner):
			return Parsed{UserID: inner}, nil
		case IsConversationID(inner):
			return Parsed{ChannelID: inner}, nil
		default:
			return Parsed{}, &InvalidIdentifierError{Input: raw, Reason: "Slack id should start with U, B, C, G or D"}
		}
	}

	switch text[0] {
	case '@':
		if len(text) == 1 {
			return Parsed{}, &InvalidIdentifierError{Input: raw, Reason: "missing user name"}
		}
		return Parsed{UserName: text[1:]}, nil
	case '#':
		plain := text[1:]
		channel, user, scoped := strings.Cut(plain, "/")
		if channel == "" || (scoped && user == "") {
			return Parsed{}, &InvalidIdentifierError{Input: raw, Reason: usage}
		}
		return Parsed{ChannelName: channel, UserName: strings.TrimPrefix(user, "@")}, nil
	default:
		return Parsed{}, &InvalidIdentifierError{Input: raw, Reason: usage}
	}
}
