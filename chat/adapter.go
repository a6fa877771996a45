package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/sameroom/identity"
	"github.com/onnwee/sameroom/slackapi"
	"github.com/onnwee/sameroom/telemetry"
)

// State is the adapter's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnected
	StateReading
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReading:
		return "reading"
	case StateFatal:
		return "fatal"
	default:
		return "disconnected"
	}
}

// Options configures an Adapter. Zero values take the defaults noted.
type Options struct {
	Token      string
	APIURL     string // default slackapi.DefaultBaseURL
	HTTPClient *http.Client
	Dialer     Dialer // default WebsocketDialer

	MessageSizeLimit int           // capped at MaxMessageLength
	PollInterval     time.Duration // idle time between drains, default 1s
	PingInterval     time.Duration // RTM keepalive, default 30s
	ReadTimeout      time.Duration // silent-stream cutoff for the default dialer, default 2m
	DMCacheSize      int           // default DefaultDMCacheSize
	MaxReconnects    int           // consecutive attempts, 0 = unlimited
	InitialBackoff   time.Duration // default 1s
	MaxBackoff       time.Duration // default 5m
	SendRetryWait    time.Duration // how long Send waits for a reconnect, default 10s
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Minute
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.SendRetryWait <= 0 {
		o.SendRetryWait = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{ReadTimeout: o.ReadTimeout}
	}
}

// Adapter keeps one Slack RTM connection alive and bridges it to a Handler.
type Adapter struct {
	opts    Options
	api     *slackapi.Client
	handler Handler
	cache   *DMCache

	state         atomic.Int32
	reconnects    atomic.Int64 // consecutive failed connections
	totalRetries  atomic.Int64
	everConnected atomic.Bool

	mu      sync.Mutex
	session *Session
	changed chan struct{} // closed whenever session changes
}

// NewAdapter validates opts and returns an idle adapter. Call Run to connect.
func NewAdapter(opts Options, h Handler) (*Adapter, error) {
	if opts.Token == "" {
		return nil, errors.New("chat: slack token is required")
	}
	if h == nil {
		h = NopHandler{}
	}
	opts.setDefaults()
	cache, err := NewDMCache(opts.DMCacheSize)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		opts:    opts,
		api:     &slackapi.Client{Token: opts.Token, BaseURL: opts.APIURL, HTTPClient: opts.HTTPClient},
		handler: h,
		cache:   cache,
		changed: make(chan struct{}),
	}, nil
}

// API exposes the Web API client for methods the adapter does not wrap.
func (a *Adapter) API() *slackapi.Client { return a.api }

// State returns the current connection state.
func (a *Adapter) State() State { return State(a.state.Load()) }

func (a *Adapter) setState(s State) {
	a.state.Store(int32(s))
	telemetry.SetConnectionState(int(s))
}

// Session returns the live session, or nil between connections.
func (a *Adapter) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Adapter) setSession(s *Session) {
	a.mu.Lock()
	a.session = s
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()
}

func (a *Adapter) clearSession(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != s {
		return
	}
	a.session = nil
	close(a.changed)
	a.changed = make(chan struct{})
}

// awaitSession returns a live session other than stale, waiting up to
// SendRetryWait for one to appear.
func (a *Adapter) awaitSession(ctx context.Context, stale *Session) (*Session, error) {
	timer := time.NewTimer(a.opts.SendRetryWait)
	defer timer.Stop()
	for {
		a.mu.Lock()
		s, changed := a.session, a.changed
		a.mu.Unlock()
		if s != nil && s != stale {
			return s, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, ErrNotConnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run connects and keeps the session alive until ctx is cancelled, a fatal
// error occurs or MaxReconnects consecutive attempts fail. Cancellation is a
// clean shutdown and returns nil.
func (a *Adapter) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.opts.InitialBackoff
	bo.MaxInterval = a.opts.MaxBackoff

	for {
		shutdown, err := a.ServeOnce(ctx)
		if shutdown {
			return nil
		}
		if IsFatal(err) {
			return err
		}
		if a.reconnects.Load() == 0 {
			// the last attempt got a session, so start the back-off over
			bo.Reset()
		}
		n := a.reconnects.Add(1)
		if a.opts.MaxReconnects > 0 && n > int64(a.opts.MaxReconnects) {
			a.setState(StateFatal)
			return fmt.Errorf("giving up after %d reconnection attempts: %w", a.opts.MaxReconnects, err)
		}
		wait := bo.NextBackOff()
		a.totalRetries.Add(1)
		telemetry.IncReconnect()
		slog.Warn("slack connection lost, reconnecting",
			slog.String("component", "adapter"), slog.Any("err", err),
			slog.Int64("attempt", n), slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// ServeOnce runs one connection from authentication to teardown. shutdown is
// true when ctx was cancelled. Otherwise err says why the session ended; see
// IsFatal for whether reconnecting makes sense.
func (a *Adapter) ServeOnce(ctx context.Context) (shutdown bool, err error) {
	log := slog.Default().With(slog.String("component", "adapter"))

	a.setState(StateAuthenticating)
	auth, err := a.api.AuthTest(ctx)
	if err != nil {
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return true, nil
		}
		var apiErr *slackapi.RemoteAPIError
		if errors.As(err, &apiErr) {
			a.setState(StateFatal)
			log.Error("slack rejected the token", slog.String("code", apiErr.Code))
			return false, &AuthError{Code: apiErr.Code, Err: err}
		}
		return false, a.handshakeFailed("auth.test", err)
	}

	info, err := a.api.RTMConnect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return true, nil
		}
		return false, a.handshakeFailed("rtm.connect", err)
	}

	dir, err := a.loadDirectory(ctx)
	if err != nil {
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return true, nil
		}
		return false, a.handshakeFailed("directory load", err)
	}

	stream, err := a.opts.Dialer.Dial(ctx, info.URL)
	if err != nil {
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return true, nil
		}
		return false, a.handshakeFailed("rtm handshake", err)
	}

	sess := newSession(sessionConfig{
		api: a.api, stream: stream, dir: dir, cache: a.cache,
		handler: a.handler, auth: auth, info: info,
	})
	a.reconnects.Store(0)
	a.everConnected.Store(true)
	a.setState(StateConnected)
	a.setSession(sess)
	users, channels := dir.Len()
	sess.logger(ctx).Info("connected to slack",
		slog.String("team", sess.teamName), slog.String("self", sess.selfName),
		slog.Int("users", users), slog.Int("channels", channels))

	defer func() {
		a.clearSession(sess)
		sess.teardown(context.WithoutCancel(ctx))
		if a.State() != StateFatal {
			a.setState(StateDisconnected)
		}
	}()
	return a.read(ctx, sess)
}

// handshakeFailed is fatal until the first session has been established.
func (a *Adapter) handshakeFailed(op string, err error) error {
	fatal := !a.everConnected.Load()
	if fatal {
		a.setState(StateFatal)
	} else {
		a.setState(StateDisconnected)
	}
	return &ConnectionError{Op: op, Fatal: fatal, Err: err}
}

func (a *Adapter) loadDirectory(ctx context.Context) (*Directory, error) {
	users, err := a.api.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := a.api.ListChannels(ctx, false)
	if err != nil {
		return nil, err
	}
	groups, err := a.api.ListGroups(ctx, false)
	if err != nil {
		return nil, err
	}
	dir := NewDirectory()
	dir.Load(users, channels, groups)
	return dir, nil
}

// read is the single read loop: drain every available frame, dispatch each
// in order, then idle for PollInterval.
func (a *Adapter) read(ctx context.Context, sess *Session) (bool, error) {
	a.setState(StateReading)
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	lastPing := time.Now()

	for {
		frames, err := sess.stream.Drain()
		for _, f := range frames {
			sess.dispatch(ctx, f)
		}
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			sess.logger(ctx).Warn("rtm stream ended", slog.Any("err", err))
			return false, &ConnectionError{Op: "read", Err: err}
		}
		if time.Since(lastPing) >= a.opts.PingInterval {
			if err := sess.ping(); err != nil {
				sess.logger(ctx).Warn("rtm ping failed", slog.Any("err", err))
				return false, &ConnectionError{Op: "ping", Err: err}
			}
			lastPing = time.Now()
		}
		select {
		case <-ctx.Done():
			return true, nil
		case <-ticker.C:
		}
	}
}

// SendResult reports how much of a Send reached the stream.
type SendResult struct {
	Parts int
	Sent  int
	Err   error
}

// OK reports whether every part was written.
func (r SendResult) OK() bool { return r.Err == nil && r.Sent == r.Parts }

// Send resolves msg's target, chunks the body and writes each chunk. If the
// stream fails part way, the broken session is dropped and the remaining
// chunks are retried once on the next session.
func (a *Adapter) Send(ctx context.Context, msg *Message) SendResult {
	log := slog.Default().With(slog.String("component", "adapter"))
	sess, err := a.awaitSession(ctx, nil)
	if err != nil {
		telemetry.IncSendFailure()
		return SendResult{Err: err}
	}
	channelID, err := sess.resolveTarget(ctx, msg)
	if err != nil {
		telemetry.IncSendFailure()
		return SendResult{Err: err}
	}
	parts := Chunk(msg.Body, EffectiveLimit(a.opts.MessageSizeLimit))
	res := SendResult{Parts: len(parts)}
	sess.logger(ctx).Debug("sending message",
		slog.String("type", string(msg.Type)), slog.String("to", msg.To.String()),
		slog.String("channel", channelID), slog.Int("parts", len(parts)))

	n, err := sess.transmit(channelID, parts)
	res.Sent = n
	telemetry.AddChunksSent(n)
	if err == nil {
		return res
	}

	log.Warn("send failed, retrying after reconnect", slog.Any("err", err), slog.Int("sent", n), slog.Int("parts", len(parts)))
	_ = sess.stream.Close() //nolint:errcheck // the read loop reports the failure
	next, werr := a.awaitSession(ctx, sess)
	if werr != nil {
		telemetry.IncSendFailure()
		res.Err = fmt.Errorf("send to %s: %w (no session to retry on: %v)", channelID, err, werr)
		return res
	}
	m, err := next.transmit(channelID, parts[n:])
	res.Sent += m
	telemetry.AddChunksSent(m)
	if err != nil {
		telemetry.IncSendFailure()
		res.Err = fmt.Errorf("send to %s after reconnect: %w", channelID, err)
	}
	return res
}

// ChangePresence sets the account's presence: Online maps to "auto".
func (a *Adapter) ChangePresence(ctx context.Context, status Presence) error {
	presence := "auto"
	if status != Online {
		presence = "away"
	}
	return a.api.SetPresence(ctx, presence)
}

// Self returns the connected account, or nil between connections.
func (a *Adapter) Self() *identity.User {
	if s := a.Session(); s != nil {
		return s.Self()
	}
	return nil
}

// BuildIdentifier resolves text against the live session.
func (a *Adapter) BuildIdentifier(ctx context.Context, text string) (identity.Identifier, error) {
	s := a.Session()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.BuildIdentifier(ctx, text)
}

// QueryRoom returns a room handle on the live session.
func (a *Adapter) QueryRoom(room string) (*Room, error) {
	s := a.Session()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.QueryRoom(room)
}

// Rooms lists the rooms the account is in.
func (a *Adapter) Rooms(ctx context.Context) ([]*Room, error) {
	s := a.Session()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.Rooms(ctx)
}

// BuildReply addresses a response to orig's sender. A private reply to a
// group message becomes a direct message.
func (a *Adapter) BuildReply(orig *Message, text string, private bool) *Message {
	reply := &Message{
		Body:   text,
		Type:   orig.Type,
		To:     orig.From,
		Extras: map[string]any{},
	}
	if self := a.Self(); self != nil {
		reply.From = self
	}
	if private {
		reply.Type = Direct
	}
	return reply
}

// PrefixGroupReply addresses msg to who in the channel by prefixing @nick.
func PrefixGroupReply(msg *Message, who identity.Identifier) {
	prefix := "<@" + who.UserID() + ">"
	if nick, err := who.Name(); err == nil {
		prefix = "@" + nick
	}
	msg.Body = prefix + ": " + msg.Body
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	State       string    `json:"state"`
	Connected   bool      `json:"connected"`
	Session     string    `json:"session,omitempty"`
	Self        string    `json:"self,omitempty"`
	Team        string    `json:"team,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Reconnects  int64     `json:"reconnects"`
	Users       int       `json:"users"`
	Channels    int       `json:"channels"`
}

// Status reports the adapter's current connection.
func (a *Adapter) Status() Status {
	st := Status{State: a.State().String(), Reconnects: a.totalRetries.Load()}
	if s := a.Session(); s != nil {
		st.Connected = true
		st.Session = s.id
		st.Self = s.selfName
		st.Team = s.teamName
		st.ConnectedAt = s.connectedAt
		st.Users, st.Channels = s.dir.Len()
	}
	return st
}

// Ready reports whether a session is live.
func (a *Adapter) Ready() bool { return a.Session() != nil }
