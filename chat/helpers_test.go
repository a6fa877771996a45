package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/onnwee/sameroom/identity"
	"github.com/onnwee/sameroom/slackapi"
	"github.com/onnwee/sameroom/testutil"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeStream is an in-memory Stream. Send fails once failAfter frames have
// been written (failAfter < 0 never fails).
type fakeStream struct {
	mu        sync.Mutex
	inbox     [][]byte
	sent      []any
	failAfter int
	closed    bool
}

func newFakeStream() *fakeStream { return &fakeStream{failAfter: -1} }

func (f *fakeStream) push(frames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range frames {
		f.inbox = append(f.inbox, []byte(fr))
	}
}

func (f *fakeStream) Drain() ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.inbox
	f.inbox = nil
	if f.closed {
		return out, ErrStreamClosed
	}
	return out, nil
}

func (f *fakeStream) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStreamClosed
	}
	if f.failAfter >= 0 && len(f.sent) >= f.failAfter {
		return errBrokenPipe
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// messages returns the outgoing chat messages written so far.
func (f *fakeStream) messages() []slack.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []slack.OutgoingMessage
	for _, v := range f.sent {
		if m, ok := v.(slack.OutgoingMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

// fakeDialer hands out streams in order, then keeps returning fresh ones.
type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	dialed  []string
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, url)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.streams) == 0 {
		return newFakeStream(), nil
	}
	s := d.streams[0]
	d.streams = d.streams[1:]
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

type presenceEvent struct {
	who    identity.Identifier
	status Presence
}

// recorder is a Handler that records every callback.
type recorder struct {
	mu          sync.Mutex
	msgs        chan *Message
	presence    chan presenceEvent
	connected   chan struct{}
	disconnects int
}

func newRecorder() *recorder {
	return &recorder{
		msgs:      make(chan *Message, 32),
		presence:  make(chan presenceEvent, 32),
		connected: make(chan struct{}, 8),
	}
}

func (r *recorder) OnMessage(_ context.Context, msg *Message) { r.msgs <- msg }
func (r *recorder) OnPresence(_ context.Context, who identity.Identifier, s Presence) {
	r.presence <- presenceEvent{who: who, status: s}
}
func (r *recorder) OnConnect(context.Context) { r.connected <- struct{}{} }
func (r *recorder) OnDisconnect(context.Context) {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
}

func (r *recorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

func (r *recorder) nextMessage(t *testing.T) *Message {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (r *recorder) nextPresence(t *testing.T) presenceEvent {
	t.Helper()
	select {
	case p := <-r.presence:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence")
		return presenceEvent{}
	}
}

func (r *recorder) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-r.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnect")
	}
}

// mockWorkspace serves a small workspace: alice and bob, #general (joined),
// #random (not joined) and the private group #secret.
func mockWorkspace(t *testing.T) *testutil.MockSlackServer {
	t.Helper()
	m := testutil.NewMockSlackServer(t)
	m.MockAuth("U0BOT", "sameroom", "T1", "acme")
	m.MockDirectory(
		[]map[string]any{
			{"id": "U0BOT", "name": "sameroom", "real_name": "Same Room", "is_bot": true},
			{"id": "U1", "name": "alice", "real_name": "Alice Liddell"},
			{"id": "U2", "name": "bob", "real_name": "Bob Builder"},
		},
		[]map[string]any{
			{"id": "C1", "name": "general", "is_member": true, "members": []string{"U1", "U2"},
				"topic": map[string]any{"value": "welcome"}, "purpose": map[string]any{"value": ""}},
			{"id": "C2", "name": "random", "is_member": false},
			{"id": "C3", "name": "old", "is_member": true, "is_archived": true},
		},
		[]map[string]any{
			{"id": "G1", "name": "secret", "members": []string{"U0BOT", "U1"}},
		},
	)
	m.OK("im.open", map[string]any{"channel": map[string]any{"id": "D1"}})
	return m
}

// newTestSession builds a connected Session over a fake stream without Run.
func newTestSession(t *testing.T, m *testutil.MockSlackServer, h Handler) (*Session, *fakeStream) {
	t.Helper()
	api := &slackapi.Client{Token: "xoxb-test", BaseURL: m.APIURL()}
	a := &Adapter{api: api}
	dir, err := a.loadDirectory(context.Background())
	if err != nil {
		t.Fatalf("loadDirectory() error = %v", err)
	}
	cache, _ := NewDMCache(4)
	if h == nil {
		h = NopHandler{}
	}
	stream := newFakeStream()
	s := newSession(sessionConfig{
		api: api, stream: stream, dir: dir, cache: cache, handler: h,
		auth: &slack.AuthTestResponse{UserID: "U0BOT", User: "sameroom", TeamID: "T1", Team: "acme"},
	})
	return s, stream
}
