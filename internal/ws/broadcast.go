package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/buildwatch/backend/internal/session"
	"github.com/gorilla/websocket"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func newClient(conn *websocket.Conn, b *Broadcaster) *client {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// changeKey identifies what a change describes so that a burst of changes
// to the same thing collapses to the latest one.
type changeKey struct {
	session  string
	property session.Property
	job      int
	isJob    bool
}

func keyOf(c session.Change) changeKey {
	if c.Job != nil {
		return changeKey{session: c.SessionID, job: c.Job.ID, isJob: true}
	}
	return changeKey{session: c.SessionID, property: c.Property}
}

// Broadcaster fans session changes out to WebSocket clients. It implements
// session.Publisher.
type Broadcaster struct {
	mu             sync.RWMutex
	clients        map[*client]bool
	store          *session.Store
	privacy        *session.PrivacyFilter
	throttle       time.Duration
	maxConns       int
	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu    sync.Mutex
	pending    []session.Change
	pendingIdx map[changeKey]int
	flushTimer *time.Timer
}

// NewBroadcaster starts the periodic snapshot loop. A maxConns of zero
// means unlimited.
func NewBroadcaster(store *session.Store, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:    make(map[*client]bool),
		store:      store,
		privacy:    &session.PrivacyFilter{},
		throttle:   throttle,
		maxConns:   maxConns,
		done:       make(chan struct{}),
		pendingIdx: make(map[changeKey]int),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// SetPrivacy sets the filter applied to everything sent to clients.
func (b *Broadcaster) SetPrivacy(f *session.PrivacyFilter) {
	if f == nil {
		f = &session.PrivacyFilter{}
	}
	b.mu.Lock()
	b.privacy = f
	b.mu.Unlock()
}

func (b *Broadcaster) filter() *session.PrivacyFilter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.privacy
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn, b)
	b.clients[c] = true
	b.mu.Unlock()

	data, err := json.Marshal(b.snapshotMessage())
	if err != nil {
		log.Printf("snapshot marshal error: %v", err)
		return c, nil
	}

	// Sends happen under the read lock so RemoveClient cannot close the
	// channel underneath us.
	b.mu.RLock()
	if b.clients[c] {
		select {
		case c.send <- data:
		default:
			// Client too slow, drop the snapshot
		}
	}
	b.mu.RUnlock()

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Publish queues a change for the next throttled delta.
func (b *Broadcaster) Publish(c session.Change) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	k := keyOf(c)
	if i, ok := b.pendingIdx[k]; ok {
		b.pending[i] = c
	} else {
		b.pendingIdx[k] = len(b.pending)
		b.pending = append(b.pending, c)
	}

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	changes := b.pending
	b.pending = nil
	b.pendingIdx = make(map[changeKey]int)
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(changes) == 0 {
		return
	}

	if f := b.filter(); !f.IsNoop() {
		for i, c := range changes {
			changes[i] = f.ApplyChange(c, b.isLocal(c.SessionID))
		}
	}

	b.broadcast(WSMessage{Type: MsgDelta, Payload: DeltaPayload{Changes: changes}})
}

func (b *Broadcaster) isLocal(sessionID string) func(string) bool {
	return func(host string) bool {
		s, ok := b.store.Get(sessionID)
		return ok && s.IsLocalWorker(host)
	}
}

// Consume forwards lifecycle events to clients until ctx is cancelled or
// events is closed. Job, progress and counter events produced while
// history is replayed are skipped; the snapshot sent at the end of replay
// covers them.
func (b *Broadcaster) Consume(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if msg, ok := b.eventMessage(ev); ok {
				b.broadcast(msg)
			}
			if ev.Type == session.EventHistoryEnded {
				b.broadcast(b.snapshotMessage())
			}
		}
	}
}

func (b *Broadcaster) eventMessage(ev session.Event) (WSMessage, bool) {
	f := b.filter()
	switch ev.Type {
	case session.EventSessionStarted, session.EventSessionStopped, session.EventProgress:
		if ev.Summary == nil {
			return WSMessage{}, false
		}
		if ev.Type == session.EventProgress && ev.Replay {
			return WSMessage{}, false
		}
		return WSMessage{Type: sessionMessages[ev.Type], Payload: SessionPayload{Session: f.ApplySummary(*ev.Summary)}}, true
	case session.EventHistoryStarted:
		return WSMessage{Type: MsgHistoryStarted, Payload: struct{}{}}, true
	case session.EventHistoryEnded:
		return WSMessage{Type: MsgHistoryEnded, Payload: struct{}{}}, true
	case session.EventLogReset:
		return WSMessage{Type: MsgLogReset, Payload: struct{}{}}, true
	case session.EventJobStarted, session.EventJobFinished:
		if ev.Replay || ev.Job == nil {
			return WSMessage{}, false
		}
		masked := f.ApplyChange(session.Change{SessionID: ev.SessionID, Job: ev.Job}, b.isLocal(ev.SessionID))
		t := MsgJobStarted
		if ev.Type == session.EventJobFinished {
			t = MsgJobFinished
		}
		return WSMessage{Type: t, Payload: JobPayload{SessionID: ev.SessionID, Job: *masked.Job}}, true
	case session.EventCounter:
		if ev.Replay || ev.Counter == nil {
			return WSMessage{}, false
		}
		return WSMessage{Type: MsgCounter, Payload: CounterPayload{SessionID: ev.SessionID, Counter: *ev.Counter}}, true
	}
	return WSMessage{}, false
}

var sessionMessages = map[session.EventType]MessageType{
	session.EventSessionStarted: MsgSessionStarted,
	session.EventSessionStopped: MsgSessionStopped,
	session.EventProgress:       MsgProgress,
}

func (b *Broadcaster) snapshotMessage() WSMessage {
	f := b.filter()
	payload := SnapshotPayload{Sessions: []session.Summary{}}
	for _, sum := range b.store.Summaries() {
		payload.Sessions = append(payload.Sessions, f.ApplySummary(sum))
	}
	if cur := b.store.Current(); cur != nil {
		snap := f.ApplySnapshot(cur.Snapshot())
		payload.Current = &snap
	}
	return WSMessage{Type: MsgSnapshot, Payload: payload}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			if b.ClientCount() > 0 {
				b.broadcast(b.snapshotMessage())
			}
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	// Clients that can't keep up are disconnected.
	for _, c := range slow {
		log.Printf("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.done)

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}
