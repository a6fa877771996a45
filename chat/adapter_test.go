package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/sameroom/identity"
	"github.com/onnwee/sameroom/slackapi"
	"github.com/onnwee/sameroom/testutil"
)

func newTestAdapter(t *testing.T, m *testutil.MockSlackServer, h Handler, tweak func(*Options)) *Adapter {
	t.Helper()
	opts := Options{
		Token:          "xoxb-test",
		APIURL:         m.APIURL(),
		PollInterval:   5 * time.Millisecond,
		PingInterval:   time.Hour,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		SendRetryWait:  2 * time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}
	a, err := NewAdapter(opts, h)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	return a
}

// runAdapter starts Run and returns a stop function that cancels it and
// returns Run's result.
func runAdapter(t *testing.T, a *Adapter) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	var stopped bool
	var result error
	stop := func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewAdapterRequiresToken(t *testing.T) {
	if _, err := NewAdapter(Options{}, nil); err == nil {
		t.Fatal("NewAdapter() without token error = nil")
	}
}

func TestAdapterRunOverWebsocket(t *testing.T) {
	m := mockWorkspace(t)
	m.EnableRTM("U0BOT", "sameroom", "T1", "acme")
	rec := newRecorder()
	a := newTestAdapter(t, m, rec, nil)
	stop := runAdapter(t, a)

	m.WaitConnected(t, 3*time.Second)
	m.SendEvent(t, map[string]any{"type": "hello"})
	rec.waitConnected(t)
	if !a.Ready() {
		t.Error("Ready() = false after hello")
	}

	// a message with no sender fails its handler; the next one still arrives
	m.SendEvent(t, map[string]any{"type": "message", "channel": "C1", "text": "broken"})
	m.SendEvent(t, map[string]any{"type": "message", "channel": "C1", "user": "U1", "text": "see <https://example.com>"})
	msg := rec.nextMessage(t)
	if msg.Body != "see https://example.com" || !msg.IsGroup() {
		t.Errorf("message = %q (%s)", msg.Body, msg.Type)
	}
	if msg.From.String() != "#general/@alice" {
		t.Errorf("From = %s", msg.From)
	}

	st := a.Status()
	if !st.Connected || st.Self != "sameroom" || st.Team != "acme" || st.Users != 3 || st.Channels != 4 {
		t.Errorf("Status() = %+v", st)
	}

	if err := stop(); err != nil {
		t.Errorf("Run() after cancel = %v, want nil", err)
	}
	if rec.disconnectCount() != 1 {
		t.Errorf("OnDisconnect fired %d times, want 1", rec.disconnectCount())
	}
	if a.Ready() {
		t.Error("Ready() = true after shutdown")
	}
}

func TestAdapterAuthFailureIsFatal(t *testing.T) {
	m := testutil.NewMockSlackServer(t)
	m.Fail("auth.test", slackapi.ErrCodeInvalidAuth)
	a := newTestAdapter(t, m, nil, nil)

	err := a.Run(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != slackapi.ErrCodeInvalidAuth {
		t.Fatalf("Run() error = %v, want *AuthError invalid_auth", err)
	}
	if a.State() != StateFatal {
		t.Errorf("State() = %s, want fatal", a.State())
	}
	if got := len(m.Calls("rtm.connect")); got != 0 {
		t.Errorf("rtm.connect called %d times after auth failure", got)
	}
}

func TestAdapterStartupHandshakeFailureIsFatal(t *testing.T) {
	m := mockWorkspace(t) // no rtm.connect handler
	a := newTestAdapter(t, m, nil, nil)

	err := a.Run(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || !connErr.Fatal || connErr.Op != "rtm.connect" {
		t.Fatalf("Run() error = %v, want fatal rtm.connect ConnectionError", err)
	}
	if got := len(m.Calls("auth.test")); got != 1 {
		t.Errorf("auth.test called %d times, want no retries", got)
	}
}

func TestAdapterReconnects(t *testing.T) {
	m := mockWorkspace(t)
	m.EnableRTM("U0BOT", "sameroom", "T1", "acme")
	first, second := newFakeStream(), newFakeStream()
	first.push(`{"type":"hello"}`)
	second.push(`{"type":"hello"}`)
	dialer := &fakeDialer{streams: []*fakeStream{first, second}}
	rec := newRecorder()
	a := newTestAdapter(t, m, rec, func(o *Options) { o.Dialer = dialer })
	runAdapter(t, a)

	rec.waitConnected(t)
	firstSession := a.Session()
	_ = first.Close()

	rec.waitConnected(t)
	eventually(t, "new session", func() bool {
		s := a.Session()
		return s != nil && s != firstSession
	})
	if rec.disconnectCount() != 1 {
		t.Errorf("OnDisconnect fired %d times, want 1", rec.disconnectCount())
	}
	if st := a.Status(); st.Reconnects != 1 {
		t.Errorf("Status().Reconnects = %d, want 1", st.Reconnects)
	}

	// goodbye closes the stream from the server side and triggers another round
	second.push(`{"type":"goodbye"}`)
	eventually(t, "third dial", func() bool { return dialer.dials() == 3 })
	eventually(t, "second disconnect", func() bool { return rec.disconnectCount() == 2 })
}

func TestAdapterGivesUpAfterMaxReconnects(t *testing.T) {
	m := mockWorkspace(t)
	m.EnableRTM("U0BOT", "sameroom", "T1", "acme")
	first := newFakeStream()
	first.push(`{"type":"hello"}`)
	dialer := &fakeDialer{streams: []*fakeStream{first}}
	rec := newRecorder()
	a := newTestAdapter(t, m, rec, func(o *Options) {
		o.Dialer = dialer
		o.MaxReconnects = 2
	})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	rec.waitConnected(t)

	dialer.mu.Lock()
	dialer.err = errBrokenPipe
	dialer.mu.Unlock()
	_ = first.Close()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "giving up after 2") {
			t.Fatalf("Run() error = %v, want give-up error", err)
		}
		if !errors.Is(err, errBrokenPipe) {
			t.Errorf("Run() error does not wrap the last failure: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up")
	}
	if got := dialer.dials(); got != 3 {
		t.Errorf("dialed %d times, want 3", got)
	}
	if a.State() != StateFatal {
		t.Errorf("State() = %s, want fatal", a.State())
	}
}

func TestAdapterSendChunksAndDiverts(t *testing.T) {
	m := mockWorkspace(t)
	m.EnableRTM("U0BOT", "sameroom", "T1", "acme")
	rec := newRecorder()
	a := newTestAdapter(t, m, rec, func(o *Options) { o.MessageSizeLimit = 10 })
	runAdapter(t, a)
	m.WaitConnected(t, 3*time.Second)
	m.SendEvent(t, map[string]any{"type": "hello"})
	rec.waitConnected(t)

	ctx := context.Background()
	body := "aaaa bbbb cccc dddd"
	want := Chunk(body, 10)
	if len(want) < 2 {
		t.Fatalf("Chunk(%q, 10) = %q, expected several parts", body, want)
	}

	id, err := a.BuildIdentifier(ctx, "#general")
	if err != nil {
		t.Fatalf("BuildIdentifier() error = %v", err)
	}
	res := a.Send(ctx, &Message{Body: body, Type: Group, To: id})
	if !res.OK() || res.Parts != len(want) {
		t.Fatalf("Send() = %+v", res)
	}
	for i, part := range want {
		f := m.NextFrame(t, 2*time.Second)
		if f["type"] != "message" || f["channel"] != "C1" || f["text"] != part {
			t.Errorf("frame %d = %v, want %q to C1", i, f, part)
		}
	}

	occ, _ := identity.NewOccupant(a.Session().Directory(), "U1", "C1")
	for i := 0; i < 2; i++ {
		if res := a.Send(ctx, &Message{Body: "psst", Type: Direct, To: occ}); !res.OK() {
			t.Fatalf("Send(direct) = %+v", res)
		}
		f := m.NextFrame(t, 2*time.Second)
		if f["channel"] != "D1" || f["text"] != "psst" {
			t.Errorf("direct frame = %v, want psst to D1", f)
		}
	}
	if got := len(m.Calls("im.open")); got != 1 {
		t.Errorf("im.open called %d times, want 1", got)
	}
}

func TestAdapterSendRetriesAfterReconnect(t *testing.T) {
	m := mockWorkspace(t)
	m.EnableRTM("U0BOT", "sameroom", "T1", "acme")
	first, second := newFakeStream(), newFakeStream()
	first.failAfter = 1
	first.push(`{"type":"hello"}`)
	dialer := &fakeDialer{streams: []*fakeStream{first, second}}
	rec := newRecorder()
	a := newTestAdapter(t, m, rec, func(o *Options) {
		o.Dialer = dialer
		o.MessageSizeLimit = 10
	})
	runAdapter(t, a)
	rec.waitConnected(t)

	ctx := context.Background()
	to, _ := identity.NewChannel(a.Session().Directory(), "C1")
	body := "aaaa bbbb cccc dddd eeee"
	want := Chunk(body, 10)

	res := a.Send(ctx, &Message{Body: body, Type: Group, To: to})
	if !res.OK() || res.Sent != len(want) {
		t.Fatalf("Send() = %+v, want all %d parts", res, len(want))
	}
	if got := first.messages(); len(got) != 1 || got[0].Text != want[0] {
		t.Errorf("first stream got %+v", got)
	}
	got := second.messages()
	if len(got) != len(want)-1 {
		t.Fatalf("second stream got %d parts, want %d", len(got), len(want)-1)
	}
	for i, msg := range got {
		if msg.Text != want[i+1] || msg.Channel != "C1" {
			t.Errorf("retried part %d = %+v, want %q", i, msg, want[i+1])
		}
	}
}

func TestAdapterSendWithoutSession(t *testing.T) {
	m := mockWorkspace(t)
	a := newTestAdapter(t, m, nil, func(o *Options) { o.SendRetryWait = 20 * time.Millisecond })
	c, _ := identity.NewChannel(nil, "C1")
	res := a.Send(context.Background(), &Message{Body: "hi", Type: Group, To: c})
	if !errors.Is(res.Err, ErrNotConnected) || res.OK() {
		t.Errorf("Send() = %+v, want ErrNotConnected", res)
	}
	if _, err := a.BuildIdentifier(context.Background(), "#general"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("BuildIdentifier() error = %v, want ErrNotConnected", err)
	}
	if a.Self() != nil {
		t.Error("Self() != nil without a session")
	}
}

func TestBuildReplyAndPrefix(t *testing.T) {
	m := mockWorkspace(t)
	a := newTestAdapter(t, m, nil, nil)
	s, _ := newTestSession(t, m, nil)
	a.setSession(s)

	occ, _ := identity.NewOccupant(s.Directory(), "U1", "C1")
	orig := &Message{Body: "!help", Type: Group, From: occ}

	reply := a.BuildReply(orig, "here you go", false)
	if reply.Type != Group || reply.To != identity.Identifier(occ) || reply.From.UserID() != "U0BOT" {
		t.Errorf("BuildReply() = %+v", reply)
	}
	private := a.BuildReply(orig, "secret", true)
	if private.Type != Direct {
		t.Errorf("private reply Type = %s, want direct", private.Type)
	}

	PrefixGroupReply(reply, occ)
	if reply.Body != "@alice: here you go" {
		t.Errorf("prefixed body = %q", reply.Body)
	}
	stranger, _ := identity.NewUser(s.Directory(), "U404", "")
	msg := &Message{Body: "hi"}
	PrefixGroupReply(msg, stranger)
	if msg.Body != "<@U404>: hi" {
		t.Errorf("prefixed body for unknown user = %q", msg.Body)
	}
}

func TestChangePresence(t *testing.T) {
	m := mockWorkspace(t)
	m.OK("users.setPresence", nil)
	a := newTestAdapter(t, m, nil, nil)
	ctx := context.Background()

	if err := a.ChangePresence(ctx, Away); err != nil {
		t.Fatalf("ChangePresence(Away) error = %v", err)
	}
	if err := a.ChangePresence(ctx, Online); err != nil {
		t.Fatalf("ChangePresence(Online) error = %v", err)
	}
	calls := m.Calls("users.setPresence")
	if len(calls) != 2 || calls[0].Get("presence") != "away" || calls[1].Get("presence") != "auto" {
		t.Errorf("users.setPresence calls = %v", calls)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected:   "disconnected",
		StateAuthenticating: "authenticating",
		StateConnected:      "connected",
		StateReading:        "reading",
		StateFatal:          "fatal",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
