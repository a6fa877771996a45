package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/onnwee/sameroom/identity"
	"github.com/onnwee/sameroom/slackapi"
)

// RoomState tracks what the facade last learned about a conversation.
type RoomState int

const (
	RoomUnknown RoomState = iota
	RoomExists
	RoomJoined
	RoomLeft
	RoomDestroyed
)

func (s RoomState) String() string {
	switch s {
	case RoomExists:
		return "exists"
	case RoomJoined:
		return "joined"
	case RoomLeft:
		return "left"
	case RoomDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// roomMethods names the legacy Web API methods for one conversation kind.
type roomMethods struct {
	join       string
	leave      string
	create     string
	archive    string
	info       string
	infoKey    string
	setTopic   string
	setPurpose string
	invite     string
}

var (
	publicMethods = roomMethods{
		join: "channels.join", leave: "channels.leave", create: "channels.create",
		archive: "channels.archive", info: "channels.info", infoKey: "channel",
		setTopic: "channels.setTopic", setPurpose: "channels.setPurpose", invite: "channels.invite",
	}
	// private groups cannot be joined, only invited into
	privateMethods = roomMethods{
		leave: "groups.leave", create: "groups.create",
		archive: "groups.archive", info: "groups.info", infoKey: "group",
		setTopic: "groups.setTopic", setPurpose: "groups.setPurpose", invite: "groups.invite",
	}
)

var channelHyperlink = regexp.MustCompile(`^<#([CG][0-9A-Z]+)(\|[^>]*)?>$`)

// Room is a named conversation. Its ID is resolved from the name on first use
// and cached until Leave or Destroy.
type Room struct {
	sess *Session

	mu    sync.Mutex
	name  string
	id    string
	state RoomState
}

// QueryRoom returns the room for a raw C*/G* ID, a <#C123> link or a name
// with optional leading '#'. The room need not exist.
func (s *Session) QueryRoom(room string) (*Room, error) {
	room = strings.TrimSpace(room)
	if m := channelHyperlink.FindStringSubmatch(room); m != nil {
		return newRoom(s, "", m[1])
	}
	switch identity.ConversationKind(room) {
	case identity.KindPublic, identity.KindPrivate:
		if strings.ToUpper(room) == room {
			return newRoom(s, "", room)
		}
	}
	return newRoom(s, room, "")
}

func newRoom(s *Session, name, id string) (*Room, error) {
	switch {
	case name != "" && id != "":
		return nil, &identity.InvalidIdentifierError{Input: name + " / " + id, Reason: "room name and channel id are mutually exclusive"}
	case id != "":
		n, err := s.dir.ChannelName(id)
		if err != nil {
			return nil, err
		}
		return &Room{sess: s, name: n, id: id}, nil
	case strings.TrimPrefix(name, "#") != "":
		return &Room{sess: s, name: strings.TrimPrefix(name, "#")}, nil
	default:
		return nil, &identity.InvalidIdentifierError{Input: name, Reason: "empty room name"}
	}
}

// Name is the room name without the leading '#'.
func (r *Room) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// State returns what the room last observed about itself.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) String() string { return "#" + r.Name() }

func (r *Room) setState(s RoomState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// ID resolves the room's conversation ID through the directory.
func (r *Room) ID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" {
		return r.id, nil
	}
	id, err := r.sess.dir.ChannelID(r.name)
	if err != nil {
		return "", &identity.NotFoundError{Kind: "channel", Key: "#" + r.name}
	}
	r.id = id
	return id, nil
}

func (r *Room) forgetID() {
	r.mu.Lock()
	r.id = ""
	r.mu.Unlock()
}

// Private reports whether the room is a private group.
func (r *Room) Private() (bool, error) {
	id, err := r.ID()
	if err != nil {
		return false, err
	}
	return identity.ConversationKind(id) == identity.KindPrivate, nil
}

func (r *Room) methods() (roomMethods, string, error) {
	id, err := r.ID()
	if err != nil {
		return roomMethods{}, "", err
	}
	if identity.ConversationKind(id) == identity.KindPrivate {
		return privateMethods, id, nil
	}
	return publicMethods, id, nil
}

// call invokes method and turns user_is_bot into a *CapabilityError.
func (r *Room) call(ctx context.Context, action, method string, params url.Values) (*slackapi.Response, error) {
	resp, err := r.sess.api.Call(ctx, method, params, true)
	if slackapi.IsRemoteError(err, slackapi.ErrCodeUserIsBot) {
		return nil, &CapabilityError{Action: action, Err: err}
	}
	return resp, err
}

func (r *Room) log(ctx context.Context) *slog.Logger {
	return r.sess.logger(ctx).With(slog.String("room", r.String()))
}

// Join joins a public channel by name, creating it if it does not exist.
// Joining a private group the account already belongs to is a no-op.
func (r *Room) Join(ctx context.Context) error {
	if private, err := r.Private(); err == nil && private {
		r.setState(RoomJoined)
		return nil
	}
	r.log(ctx).Info("joining channel")
	resp, err := r.call(ctx, "join channel", publicMethods.join, url.Values{"name": {r.Name()}})
	if err != nil {
		return err
	}
	r.remember(resp, "channel", true)
	r.setState(RoomJoined)
	return nil
}

// Leave leaves the room and forgets its cached ID.
func (r *Room) Leave(ctx context.Context) error {
	m, id, err := r.methods()
	if err != nil {
		return err
	}
	r.log(ctx).Info("leaving room", slog.String("id", id))
	if _, err := r.call(ctx, "leave channel", m.leave, url.Values{"channel": {id}}); err != nil {
		return err
	}
	r.sess.dir.SetMembership(id, false)
	r.forgetID()
	r.setState(RoomLeft)
	return nil
}

// Create creates the room as a public channel or, when private, a group.
func (r *Room) Create(ctx context.Context, private bool) error {
	m, key := publicMethods, "channel"
	if private {
		m, key = privateMethods, "group"
	}
	r.log(ctx).Info("creating room", slog.Bool("private", private))
	resp, err := r.call(ctx, "create channel", m.create, url.Values{"name": {r.Name()}})
	if err != nil {
		return err
	}
	r.remember(resp, key, true)
	r.setState(RoomJoined)
	return nil
}

// Destroy archives the room and forgets its cached ID.
func (r *Room) Destroy(ctx context.Context) error {
	m, id, err := r.methods()
	if err != nil {
		return err
	}
	r.log(ctx).Info("archiving room", slog.String("id", id))
	if _, err := r.call(ctx, "archive channel", m.archive, url.Values{"channel": {id}}); err != nil {
		return err
	}
	if rec, ok := r.sess.dir.Channel(id); ok {
		rec.IsArchived = true
		r.sess.dir.PutChannel(rec)
	}
	r.forgetID()
	r.setState(RoomDestroyed)
	return nil
}

// remember stores the conversation returned by join or create.
func (r *Room) remember(resp *slackapi.Response, key string, member bool) {
	var body map[string]json.RawMessage
	if resp.Decode(&body) != nil || body[key] == nil {
		return
	}
	var ch slack.Channel
	if json.Unmarshal(body[key], &ch) != nil || ch.ID == "" {
		return
	}
	rec := ChannelFromSlack(ch)
	rec.IsMember = member
	r.sess.dir.PutChannel(rec)
	r.mu.Lock()
	r.id = ch.ID
	r.mu.Unlock()
}

// Exists reports whether a channel or group with the room's name exists,
// archived ones included.
func (r *Room) Exists(ctx context.Context) (bool, error) {
	found, err := r.listed(ctx, false, false)
	if err != nil {
		return false, err
	}
	if found && r.State() == RoomUnknown {
		r.setState(RoomExists)
	}
	return found, nil
}

// Joined reports whether the account is in the room.
func (r *Room) Joined(ctx context.Context) (bool, error) {
	found, err := r.listed(ctx, true, true)
	if err != nil {
		return false, err
	}
	if found {
		r.setState(RoomJoined)
	}
	return found, nil
}

func (r *Room) listed(ctx context.Context, excludeArchived, joinedOnly bool) (bool, error) {
	recs, err := r.sess.Channels(ctx, excludeArchived, joinedOnly)
	if err != nil {
		return false, err
	}
	name := r.Name()
	for _, c := range recs {
		if c.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *Room) info(ctx context.Context) (*slack.Channel, string, error) {
	m, id, err := r.methods()
	if err != nil {
		return nil, "", err
	}
	ch, err := r.sess.api.ConversationInfo(ctx, m.info, m.infoKey, id)
	if err != nil {
		return nil, "", err
	}
	return ch, id, nil
}

// Topic returns the room topic; ok is false when none is set.
func (r *Room) Topic(ctx context.Context) (topic string, ok bool, err error) {
	ch, _, err := r.info(ctx)
	if err != nil {
		return "", false, err
	}
	return ch.Topic.Value, ch.Topic.Value != "", nil
}

// SetTopic replaces the room topic.
func (r *Room) SetTopic(ctx context.Context, topic string) error {
	m, id, err := r.methods()
	if err != nil {
		return err
	}
	r.log(ctx).Info("setting topic", slog.String("id", id), slog.String("topic", topic))
	_, err = r.call(ctx, "set topic", m.setTopic, url.Values{"channel": {id}, "topic": {topic}})
	return err
}

// Purpose returns the room purpose; ok is false when none is set.
func (r *Room) Purpose(ctx context.Context) (purpose string, ok bool, err error) {
	ch, _, err := r.info(ctx)
	if err != nil {
		return "", false, err
	}
	return ch.Purpose.Value, ch.Purpose.Value != "", nil
}

// SetPurpose replaces the room purpose.
func (r *Room) SetPurpose(ctx context.Context, purpose string) error {
	m, id, err := r.methods()
	if err != nil {
		return err
	}
	r.log(ctx).Info("setting purpose", slog.String("id", id), slog.String("purpose", purpose))
	_, err = r.call(ctx, "set purpose", m.setPurpose, url.Values{"channel": {id}, "purpose": {purpose}})
	return err
}

// Occupants lists the room's members.
func (r *Room) Occupants(ctx context.Context) ([]*identity.Occupant, error) {
	ch, id, err := r.info(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*identity.Occupant, 0, len(ch.Members))
	for _, member := range ch.Members {
		occ, err := identity.NewOccupant(r.sess.dir, member, id)
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, nil
}

// Invite adds users, by handle, to the room. Every name is resolved before
// any invitation is sent: an unknown name fails the whole call with a
// *identity.NotFoundError naming it. Users already in the room count as
// invited; any other refusal aborts the remaining invitations with an error
// naming the refused user.
func (r *Room) Invite(ctx context.Context, names ...string) error {
	users, err := r.sess.api.ListUsers(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(users))
	for _, u := range users {
		byName[u.Name] = u.ID
		r.sess.dir.PutUser(UserFromSlack(u))
	}
	ids := make([]string, len(names))
	for i, name := range names {
		id, ok := byName[strings.TrimPrefix(name, "@")]
		if !ok {
			return &identity.NotFoundError{Kind: "user", Key: name}
		}
		ids[i] = id
	}

	m, channelID, err := r.methods()
	if err != nil {
		return err
	}
	for i, userID := range ids {
		r.log(ctx).Info("inviting user", slog.String("user", names[i]), slog.String("id", channelID))
		resp, err := r.sess.api.Call(ctx, m.invite, url.Values{"channel": {channelID}, "user": {userID}}, false)
		if err != nil {
			return err
		}
		if resp.OK {
			continue
		}
		switch resp.Error {
		case slackapi.ErrCodeAlreadyInChannel:
			continue
		case slackapi.ErrCodeUserIsBot:
			return fmt.Errorf("invite %s: %w", names[i], &CapabilityError{Action: "invite people", Err: &slackapi.RemoteAPIError{Method: m.invite, Code: resp.Error}})
		default:
			return fmt.Errorf("invite %s: %w", names[i], &slackapi.RemoteAPIError{Method: m.invite, Code: resp.Error})
		}
	}
	return nil
}
