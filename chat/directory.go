package chat

import (
	"sort"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/onnwee/sameroom/identity"
)

// UserRecord is the directory's view of a workspace member.
type UserRecord struct {
	ID       string
	Name     string
	RealName string
	IsBot    bool
}

// ChannelRecord is the directory's view of a channel or private group.
type ChannelRecord struct {
	ID         string
	Name       string
	IsArchived bool
	IsMember   bool
	Topic      string
	Purpose    string
	Members    []string
}

// Private reports whether the record is a private group.
func (c ChannelRecord) Private() bool {
	return identity.ConversationKind(c.ID) == identity.KindPrivate
}

// UserFromSlack converts a users.list entry.
func UserFromSlack(u slack.User) UserRecord {
	return UserRecord{ID: u.ID, Name: u.Name, RealName: u.RealName, IsBot: u.IsBot}
}

// ChannelFromSlack converts a channels.list or groups.list entry. Listed
// groups are always joined, since leaving one requires a new invite.
func ChannelFromSlack(c slack.Channel) ChannelRecord {
	rec := ChannelRecord{
		ID:         c.ID,
		Name:       c.Name,
		IsArchived: c.IsArchived,
		IsMember:   c.IsMember,
		Topic:      c.Topic.Value,
		Purpose:    c.Purpose.Value,
		Members:    c.Members,
	}
	if rec.Private() {
		rec.IsMember = true
	}
	return rec
}

// Directory is the session's name/ID lookup table, loaded at connect time and
// kept current by team_join and channel events. It implements
// identity.Directory. Safe for concurrent use.
type Directory struct {
	mu       sync.RWMutex
	users    map[string]UserRecord
	channels map[string]ChannelRecord
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		users:    make(map[string]UserRecord),
		channels: make(map[string]ChannelRecord),
	}
}

// Load replaces the directory contents with fresh listings.
func (d *Directory) Load(users []slack.User, conversations ...[]slack.Channel) {
	um := make(map[string]UserRecord, len(users))
	for _, u := range users {
		um[u.ID] = UserFromSlack(u)
	}
	cm := make(map[string]ChannelRecord)
	for _, list := range conversations {
		for _, c := range list {
			cm[c.ID] = ChannelFromSlack(c)
		}
	}
	d.mu.Lock()
	d.users, d.channels = um, cm
	d.mu.Unlock()
}

// PutUser adds or replaces a user.
func (d *Directory) PutUser(u UserRecord) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// PutChannel adds or replaces a conversation.
func (d *Directory) PutChannel(c ChannelRecord) {
	d.mu.Lock()
	d.channels[c.ID] = c
	d.mu.Unlock()
}

// RenameChannel updates the name of a known conversation, adding it if needed.
func (d *Directory) RenameChannel(id, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[id]
	if !ok {
		c = ChannelRecord{ID: id}
	}
	c.Name = name
	d.channels[id] = c
}

// SetMembership marks whether the connected account is in conversation id.
func (d *Directory) SetMembership(id string, member bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.channels[id]; ok {
		c.IsMember = member
		d.channels[id] = c
	}
}

func (d *Directory) UserName(userID string) (string, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return "", &identity.NotFoundError{Kind: "user", Key: userID}
	}
	return u.Name, nil
}

func (d *Directory) UserRealName(userID string) (string, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return "", &identity.NotFoundError{Kind: "user", Key: userID}
	}
	return u.RealName, nil
}

func (d *Directory) ChannelName(channelID string) (string, error) {
	d.mu.RLock()
	c, ok := d.channels[channelID]
	d.mu.RUnlock()
	if !ok {
		return "", &identity.NotFoundError{Kind: "channel", Key: channelID}
	}
	return c.Name, nil
}

// UserID looks a user up by handle, with or without a leading '@'.
func (d *Directory) UserID(name string) (string, error) {
	name = strings.TrimPrefix(name, "@")
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, u := range d.users {
		if u.Name == name {
			return id, nil
		}
	}
	return "", &identity.NotFoundError{Kind: "user", Key: name}
}

// ChannelID looks a conversation up by name, with or without a leading '#'.
func (d *Directory) ChannelID(name string) (string, error) {
	name = strings.TrimPrefix(name, "#")
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, c := range d.channels {
		if c.Name == name {
			return id, nil
		}
	}
	return "", &identity.NotFoundError{Kind: "channel", Key: "#" + name}
}

// Channel returns the record for id.
func (d *Directory) Channel(id string) (ChannelRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.channels[id]
	return c, ok
}

// Channels returns every known conversation sorted by name.
func (d *Directory) Channels() []ChannelRecord {
	d.mu.RLock()
	out := make([]ChannelRecord, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of known users and conversations.
func (d *Directory) Len() (users, channels int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users), len(d.channels)
}
