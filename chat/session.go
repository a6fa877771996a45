package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/onnwee/sameroom/identity"
	"github.com/onnwee/sameroom/slackapi"
	"github.com/onnwee/sameroom/telemetry"
)

// Session is the state of one successful connection: the stream, the
// authenticated identity and the directory loaded for it. The Adapter creates
// a new Session on every (re)connect; only the DM cache outlives it.
type Session struct {
	id          string
	api         *slackapi.Client
	stream      Stream
	dir         *Directory
	cache       *DMCache
	handler     Handler
	dispatcher  *Dispatcher
	selfID      string
	selfName    string
	teamID      string
	teamName    string
	connectedAt time.Time

	seq       atomic.Int64
	sendMu    sync.Mutex
	closeOnce sync.Once
}

type sessionConfig struct {
	api     *slackapi.Client
	stream  Stream
	dir     *Directory
	cache   *DMCache
	handler Handler
	auth    *slack.AuthTestResponse
	info    *slack.Info
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		id:          uuid.NewString(),
		api:         cfg.api,
		stream:      cfg.stream,
		dir:         cfg.dir,
		cache:       cfg.cache,
		handler:     cfg.handler,
		dispatcher:  NewDispatcher(),
		selfID:      cfg.auth.UserID,
		selfName:    cfg.auth.User,
		teamID:      cfg.auth.TeamID,
		teamName:    cfg.auth.Team,
		connectedAt: time.Now(),
	}
	if cfg.info != nil && cfg.info.User != nil && cfg.info.User.ID != "" {
		s.selfID, s.selfName = cfg.info.User.ID, cfg.info.User.Name
	}
	if cfg.info != nil && cfg.info.Team != nil && cfg.info.Team.ID != "" {
		s.teamID, s.teamName = cfg.info.Team.ID, cfg.info.Team.Name
	}
	s.registerHandlers()
	return s
}

// ID is the session's correlation id.
func (s *Session) ID() string { return s.id }

// Directory returns the session's name/ID table.
func (s *Session) Directory() *Directory { return s.dir }

// Self returns the connected account.
func (s *Session) Self() *identity.User {
	u, err := identity.NewUser(s.dir, s.selfID, "")
	if err != nil {
		return nil
	}
	return u
}

func (s *Session) context(ctx context.Context) context.Context {
	return telemetry.WithCorrelation(ctx, s.id)
}

func (s *Session) logger(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithCorr(s.context(ctx)).With(slog.String("component", "session"))
}

func (s *Session) registerHandlers() {
	d := s.dispatcher
	d.Register("hello", EventHandlerFunc(s.onHello))
	d.Register("presence_change", EventHandlerFunc(s.onPresenceChange))
	d.Register("team_join", EventHandlerFunc(s.onTeamJoin))
	d.Register("message", EventHandlerFunc(s.onMessage))
	d.Register("channel_created", EventHandlerFunc(s.onChannelCreated))
	d.Register("channel_rename", EventHandlerFunc(s.onChannelRename))
	d.Register("group_rename", EventHandlerFunc(s.onChannelRename))
	d.Register("channel_joined", EventHandlerFunc(s.onJoined))
	d.Register("group_joined", EventHandlerFunc(s.onJoined))
	d.Register("channel_left", EventHandlerFunc(s.onLeft))
	d.Register("group_left", EventHandlerFunc(s.onLeft))
	d.Register("goodbye", EventHandlerFunc(s.onGoodbye))
	d.Register("error", EventHandlerFunc(s.onError))
	d.Register("pong", EventHandlerFunc(func(context.Context, []byte) error { return nil }))
}

// dispatch routes one frame with the session's correlation id attached.
func (s *Session) dispatch(ctx context.Context, raw []byte) {
	s.dispatcher.Dispatch(s.context(ctx), raw)
}

func (s *Session) onHello(ctx context.Context, _ []byte) error {
	s.logger(ctx).Info("rtm session ready", slog.String("self", s.selfName), slog.String("team", s.teamName))
	s.handler.OnConnect(ctx)
	if self := s.Self(); self != nil {
		s.handler.OnPresence(ctx, self, Online)
	}
	return nil
}

func (s *Session) onPresenceChange(ctx context.Context, raw []byte) error {
	var ev slack.PresenceChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode presence_change: %w", err)
	}
	var status Presence
	switch ev.Presence {
	case "active":
		status = Online
	case "away":
		status = Away
	default:
		s.logger(ctx).Error("unknown presence type, the Slack API may have changed", slog.String("presence", ev.Presence))
		status = Online
	}
	ids := ev.Users
	if len(ids) == 0 {
		ids = []string{ev.User}
	}
	for _, id := range ids {
		who, err := identity.NewUser(s.dir, id, "")
		if err != nil {
			return fmt.Errorf("presence_change: %w", err)
		}
		s.handler.OnPresence(ctx, who, status)
	}
	return nil
}

func (s *Session) onTeamJoin(ctx context.Context, raw []byte) error {
	var ev slack.TeamJoinEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode team_join: %w", err)
	}
	if ev.User.ID == "" {
		return fmt.Errorf("team_join without user id")
	}
	s.dir.PutUser(UserFromSlack(ev.User))
	s.logger(ctx).Debug("user joined team", slog.String("user", ev.User.Name))
	return nil
}

func (s *Session) onMessage(ctx context.Context, raw []byte) error {
	msg, reason, err := Translate(raw, s.selfID, s.dir)
	if err != nil {
		return err
	}
	if reason != "" {
		if reason == DropUnknownConversation {
			s.logger(ctx).Warn("message from unknown conversation type, unable to handle")
		} else {
			s.logger(ctx).Debug("ignoring message event", slog.String("reason", reason))
		}
		telemetry.IncDropped(reason)
		return nil
	}
	telemetry.IncMessages()
	s.handler.OnMessage(ctx, msg)
	return nil
}

func (s *Session) onChannelCreated(_ context.Context, raw []byte) error {
	var ev slack.ChannelCreatedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode channel_created: %w", err)
	}
	s.dir.PutChannel(ChannelRecord{ID: ev.Channel.ID, Name: ev.Channel.Name})
	return nil
}

func (s *Session) onChannelRename(_ context.Context, raw []byte) error {
	var ev slack.ChannelRenameEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode rename: %w", err)
	}
	s.dir.RenameChannel(ev.Channel.ID, ev.Channel.Name)
	return nil
}

func (s *Session) onJoined(_ context.Context, raw []byte) error {
	var ev struct {
		Channel slack.Channel `json:"channel"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode joined: %w", err)
	}
	rec := ChannelFromSlack(ev.Channel)
	rec.IsMember = true
	s.dir.PutChannel(rec)
	return nil
}

func (s *Session) onLeft(_ context.Context, raw []byte) error {
	var ev struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode left: %w", err)
	}
	s.dir.SetMembership(ev.Channel, false)
	return nil
}

func (s *Session) onGoodbye(ctx context.Context, _ []byte) error {
	s.logger(ctx).Info("server requested disconnect")
	return s.stream.Close()
}

func (s *Session) onError(ctx context.Context, raw []byte) error {
	var ev struct {
		Error struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode error event: %w", err)
	}
	s.logger(ctx).Error("rtm error event", slog.Int("code", ev.Error.Code), slog.String("msg", ev.Error.Msg))
	return nil
}

// teardown closes the stream and reports the disconnect. Only the first call
// has any effect.
func (s *Session) teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		if err := s.stream.Close(); err != nil {
			s.logger(ctx).Debug("closing rtm stream", slog.Any("err", err))
		}
		s.handler.OnDisconnect(s.context(ctx))
	})
}

func (s *Session) ping() error {
	return s.stream.Send(map[string]any{"id": s.seq.Add(1), "type": "ping"})
}

// transmit writes parts to channelID in order and returns how many were
// written before the first failure.
func (s *Session) transmit(channelID string, parts []string) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for i, part := range parts {
		out := slack.OutgoingMessage{
			ID:      int(s.seq.Add(1)),
			Type:    "message",
			Channel: channelID,
			Text:    part,
		}
		if err := s.stream.Send(out); err != nil {
			return i, err
		}
	}
	return len(parts), nil
}

// imChannel returns the direct-message channel for userID, opening it if
// needed.
func (s *Session) imChannel(ctx context.Context, userID string) (string, error) {
	return s.cache.GetOrResolve(ctx, userID, s.api.OpenIM)
}

// resolveTarget picks the channel a message is written to. A direct message
// aimed at a public channel is diverted to the user's DM.
func (s *Session) resolveTarget(ctx context.Context, msg *Message) (string, error) {
	if msg.To == nil {
		return "", fmt.Errorf("message has no recipient")
	}
	channelID := msg.To.ChannelID()
	if msg.Type == Direct && (channelID == "" || identity.ConversationKind(channelID) == identity.KindPublic) {
		userID := msg.To.UserID()
		if userID == "" {
			return "", fmt.Errorf("direct message to %s has no user", msg.To)
		}
		s.logger(ctx).Debug("diverting to direct message", slog.String("user", userID))
		return s.imChannel(ctx, userID)
	}
	if channelID == "" {
		return "", fmt.Errorf("message to %s has no channel", msg.To)
	}
	return channelID, nil
}

// BuildIdentifier resolves a textual identifier (see identity.ParseIdentifier)
// against the directory. Users are bound to their DM channel.
func (s *Session) BuildIdentifier(ctx context.Context, text string) (identity.Identifier, error) {
	p, err := identity.ParseIdentifier(text)
	if err != nil {
		return nil, err
	}
	switch {
	case p.UserID != "":
		return s.userWithIM(ctx, p.UserID)
	case p.ChannelID != "":
		return s.channelIdentifier(p.ChannelID)
	case p.ChannelName != "":
		channelID, err := s.dir.ChannelID(p.ChannelName)
		if err != nil {
			return nil, err
		}
		if p.UserName == "" {
			return s.channelIdentifier(channelID)
		}
		userID, err := s.dir.UserID(p.UserName)
		if err != nil {
			return nil, err
		}
		occ, err := identity.NewOccupant(s.dir, userID, channelID)
		if err != nil {
			return nil, err
		}
		return occ, nil
	default:
		userID, err := s.dir.UserID(p.UserName)
		if err != nil {
			return nil, err
		}
		return s.userWithIM(ctx, userID)
	}
}

func (s *Session) userWithIM(ctx context.Context, userID string) (identity.Identifier, error) {
	if !identity.IsUserID(userID) {
		return nil, &identity.InvalidIdentifierError{Input: userID, Reason: "not a Slack user or bot id"}
	}
	im, err := s.imChannel(ctx, userID)
	if err != nil {
		return nil, err
	}
	u, err := identity.NewUser(s.dir, userID, im)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Session) channelIdentifier(channelID string) (identity.Identifier, error) {
	c, err := identity.NewChannel(s.dir, channelID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Channels lists channels and groups through the API and refreshes the
// directory with the result.
func (s *Session) Channels(ctx context.Context, excludeArchived, joinedOnly bool) ([]ChannelRecord, error) {
	channels, err := s.api.ListChannels(ctx, excludeArchived)
	if err != nil {
		return nil, err
	}
	groups, err := s.api.ListGroups(ctx, excludeArchived)
	if err != nil {
		return nil, err
	}
	out := make([]ChannelRecord, 0, len(channels)+len(groups))
	for _, list := range [][]slack.Channel{channels, groups} {
		for _, c := range list {
			rec := ChannelFromSlack(c)
			s.dir.PutChannel(rec)
			if joinedOnly && !rec.IsMember {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Rooms returns the non-archived rooms the account is in.
func (s *Session) Rooms(ctx context.Context) ([]*Room, error) {
	recs, err := s.Channels(ctx, true, true)
	if err != nil {
		return nil, err
	}
	rooms := make([]*Room, 0, len(recs))
	for _, rec := range recs {
		r, err := newRoom(s, "", rec.ID)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}
