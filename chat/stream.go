package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is reported by a stream closed locally.
var ErrStreamClosed = errors.New("rtm stream closed")

// Stream is one real-time connection. Drain never blocks: it returns the
// frames received since the previous call, and a non-nil error once the
// connection is gone (frames returned with the error are still valid).
type Stream interface {
	Drain() ([][]byte, error)
	Send(v any) error
	Close() error
}

// Dialer opens a Stream to an rtm.connect URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Stream, error)
}

// WebsocketDialer dials RTM streams with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	// ReadTimeout closes a stream that has been silent this long. Zero disables it.
	ReadTimeout time.Duration
	// Buffer is the number of unread frames held before the reader blocks.
	Buffer int
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Stream, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 15 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("rtm dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("rtm dial: %w", err)
	}
	buf := d.Buffer
	if buf <= 0 {
		buf = 1024
	}
	s := &wsStream{
		conn:        conn,
		frames:      make(chan []byte, buf),
		closed:      make(chan struct{}),
		readTimeout: d.ReadTimeout,
	}
	go s.readPump()
	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	frames      chan []byte
	closed      chan struct{}
	readTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *wsStream) readPump() {
	defer close(s.frames)
	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)) //nolint:errcheck // a failed deadline surfaces on the next read
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		select {
		case s.frames <- data:
		case <-s.closed:
			s.fail(ErrStreamClosed)
			return
		}
	}
}

func (s *wsStream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return
	}
	select {
	case <-s.closed:
		s.err = ErrStreamClosed
	default:
		s.err = err
	}
}

func (s *wsStream) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return ErrStreamClosed
	}
	return s.err
}

func (s *wsStream) Drain() ([][]byte, error) {
	var out [][]byte
	for {
		select {
		case f, ok := <-s.frames:
			if !ok {
				return out, s.failure()
			}
			out = append(out, f)
		default:
			return out, nil
		}
	}
}

func (s *wsStream) Send(v any) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck // a failed deadline surfaces on the write
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("rtm write: %w", err)
	}
	return nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // best effort close frame
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
