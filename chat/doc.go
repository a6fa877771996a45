// Package chat is the Slack RTM backend: it keeps a real-time connection open,
// turns inbound events into neutral Messages for a Handler and writes
// outbound Messages back as size-limited chunks.
//
// The main entrypoint is Adapter:
//   - Run authenticates with auth.test, opens an RTM stream via rtm.connect,
//     loads the user and channel directory and reads events until the context
//     is cancelled. Dropped streams are reconnected with exponential back-off;
//     a rejected token, or a handshake that never succeeded, is fatal.
//   - Send resolves the recipient (diverting private replies to a DM), splits
//     the body with Chunk and writes each piece. A transport failure part way
//     waits for the next session and retries the rest once.
//
// Events are routed by type through a Dispatcher that contains handler errors
// and panics, so one malformed frame never ends a session. Room wraps the
// legacy channels.* and groups.* methods for a single conversation.
package chat
