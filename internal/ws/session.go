package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eventgate/backend/internal/config"
	"github.com/eventgate/backend/internal/router"
	"github.com/eventgate/backend/internal/source"
)

// Session owns one client connection: its transport handle, the auth context
// the authenticate hook produced, and the set of subscriptions it created.
// Commands are handled serially in the read pump; deliveries arrive from
// subscription workers through the buffered send channel and a write pump,
// so a stalled transport shows up as a full channel, never as a blocked
// worker holding a lock.
type Session struct {
	id          string
	conn        *websocket.Conn
	registry    *source.Registry
	router      *router.Router
	defaults    config.DefaultsConfig
	pushTimeout time.Duration
	authCtx     []byte
	remote      string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]router.Mode
}

func newSession(conn *websocket.Conn, reg *source.Registry, rt *router.Router,
	defaults config.DefaultsConfig, pushTimeout time.Duration, authCtx []byte) *Session {
	return &Session{
		id:          uuid.NewString(),
		conn:        conn,
		registry:    reg,
		router:      rt,
		defaults:    defaults,
		pushTimeout: pushTimeout,
		authCtx:     authCtx,
		remote:      conn.RemoteAddr().String(),
		send:        make(chan []byte, 64),
		done:        make(chan struct{}),
		subs:        make(map[string]router.Mode),
	}
}

func (s *Session) run() {
	go s.writePump()
	s.readPump()
	s.teardown()
}

func (s *Session) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleCommand(data)
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case msg := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// teardown cascades closure of every owned subscription without individual
// notices; the transport is already gone.
func (s *Session) teardown() {
	s.closeOnce.Do(func() { close(s.done) })
	s.conn.Close()
	s.router.DropConnection(s.id)

	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subs = make(map[string]router.Mode)
	s.mu.Unlock()

	for _, id := range ids {
		s.registry.Release(id)
	}
	log.Printf("session %s closed (%s)", s.id, s.remote)
}

func (s *Session) handleCommand(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.reply(Response{Type: MsgError, Error: "malformed command"})
		return
	}

	switch cmd.Type {
	case CmdSubscribe:
		s.handleSubscribe(cmd)
	case CmdUnsubscribe:
		s.handleUnsubscribe(cmd)
	case CmdRequest:
		s.handleRequest(cmd)
	default:
		s.reply(Response{Type: MsgError, Error: "unknown command type"})
	}
}

func (s *Session) handleSubscribe(cmd Command) {
	var mode router.Mode
	switch cmd.Mode {
	case "", "push":
		mode = router.ModePush
	case "pull":
		mode = router.ModePull
	default:
		s.reply(Response{Type: MsgSubscribeError, SourceID: cmd.SourceID,
			Error: "invalid mode " + cmd.Mode})
		return
	}

	s.mu.Lock()
	_, dup := s.subs[cmd.SourceID]
	s.mu.Unlock()
	if dup {
		s.reply(Response{Type: MsgSubscribeError, SourceID: cmd.SourceID,
			Error: "already subscribed"})
		return
	}

	h, ok := s.registry.Lookup(cmd.SourceID)
	if !ok {
		s.reply(Response{Type: MsgSubscribeError, SourceID: cmd.SourceID,
			Error: "unknown source"})
		return
	}
	if h.State() == source.Exhausted {
		s.reply(Response{Type: MsgSubscribeError, SourceID: cmd.SourceID,
			Error: "source exhausted"})
		return
	}

	bufferCap := s.defaults.BufferCapacity
	if cmd.BufferCapacity != nil {
		bufferCap = *cmd.BufferCapacity
	}
	lagThreshold := s.defaults.LagNoticeThreshold
	if cmd.LagNoticeThreshold != nil {
		lagThreshold = *cmd.LagNoticeThreshold
	}

	// Register interest before starting the source, so a lazy source's
	// first events have somewhere to go.
	_, err := s.router.Subscribe(router.SubscribeSpec{
		ConnID:             s.id,
		SourceID:           cmd.SourceID,
		SourceKind:         h.Kind(),
		Mode:               mode,
		BufferCapacity:     bufferCap,
		LagNoticeThreshold: lagThreshold,
		Outbox:             s,
		AuthContext:        s.authCtx,
		Transport:          "websocket",
		Remote:             s.remote,
	})
	if err != nil {
		s.reply(Response{Type: MsgSubscribeError, SourceID: cmd.SourceID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.subs[cmd.SourceID] = mode
	s.mu.Unlock()
	s.reply(Response{Type: MsgSubscribeOK, SourceID: cmd.SourceID})

	if _, err := s.registry.Acquire(cmd.SourceID); err != nil {
		// The source exhausted or was removed between the lookup and the
		// acquire. The subscription was acknowledged, so close it the
		// server-initiated way.
		s.router.Unsubscribe(s.id, cmd.SourceID)
		s.mu.Lock()
		delete(s.subs, cmd.SourceID)
		s.mu.Unlock()
		s.SendClosed(cmd.SourceID, err.Error())
	}
}

func (s *Session) handleUnsubscribe(cmd Command) {
	s.mu.Lock()
	_, ok := s.subs[cmd.SourceID]
	if ok {
		delete(s.subs, cmd.SourceID)
	}
	s.mu.Unlock()

	if !ok {
		s.reply(Response{Type: MsgUnsubscribeError, SourceID: cmd.SourceID,
			Error: "not subscribed"})
		return
	}

	if err := s.router.Unsubscribe(s.id, cmd.SourceID); err != nil &&
		!errors.Is(err, router.ErrNotSubscribed) {
		log.Printf("session %s: unsubscribe %s: %v", s.id, cmd.SourceID, err)
	}
	s.registry.Release(cmd.SourceID)
	s.reply(Response{Type: MsgUnsubscribeOK, SourceID: cmd.SourceID})
}

func (s *Session) handleRequest(cmd Command) {
	if cmd.N == 0 {
		s.reply(Response{Type: MsgRequestError, SourceID: cmd.SourceID,
			Error: "n must be positive"})
		return
	}
	if err := s.router.Request(s.id, cmd.SourceID, cmd.N); err != nil {
		s.reply(Response{Type: MsgRequestError, SourceID: cmd.SourceID, Error: err.Error()})
		return
	}
	s.reply(Response{Type: MsgRequestOK, SourceID: cmd.SourceID, N: cmd.N})
}

// reply sends a synchronous command response. It blocks until the write pump
// drains room; command responses are never dropped while the session lives.
func (s *Session) reply(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("session %s: marshal response: %v", s.id, err)
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	}
}

// enqueue offers an asynchronous message to the transport, waiting at most
// wait for room. It reports false when the message was dropped.
func (s *Session) enqueue(data []byte, wait time.Duration) bool {
	select {
	case s.send <- data:
		return true
	case <-s.done:
		return false
	default:
	}
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.send <- data:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		return false
	}
}

// SendResult implements router.Outbox.
func (s *Session) SendResult(d router.Delivery) bool {
	data, err := json.Marshal(ResultMessage{Type: MsgResult, Data: ResultData{
		SourceID: d.SourceID,
		Kind:     d.Kind,
		Seq:      d.Seq,
		Payload:  d.Payload,
	}})
	if err != nil {
		log.Printf("session %s: marshal result: %v", s.id, err)
		return false
	}
	return s.enqueue(data, s.pushTimeout)
}

// SendLag implements router.Outbox.
func (s *Session) SendLag(sourceID string, count uint64) {
	data, err := json.Marshal(NoticeMessage{Type: MsgNotice, Data: NoticeData{
		Type:     NoticeLag,
		SourceID: sourceID,
		Count:    count,
	}})
	if err != nil {
		return
	}
	s.enqueue(data, s.pushTimeout)
}

// SendClosed implements router.Outbox: a server-initiated closure. The
// subscription is already out of the router's interest set; drop the
// session's bookkeeping and the registry reference too.
func (s *Session) SendClosed(sourceID, message string) {
	s.mu.Lock()
	_, owned := s.subs[sourceID]
	if owned {
		delete(s.subs, sourceID)
	}
	s.mu.Unlock()
	if owned {
		s.registry.Release(sourceID)
	}

	data, err := json.Marshal(NoticeMessage{Type: MsgNotice, Data: NoticeData{
		Type:     NoticeSubscriptionClosed,
		SourceID: sourceID,
		Message:  message,
	}})
	if err != nil {
		return
	}
	s.enqueue(data, s.pushTimeout)
}
