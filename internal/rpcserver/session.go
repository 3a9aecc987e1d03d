package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"hsx/internal/eventbus"
	"hsx/internal/hsxerr"
)

// eventPumpInterval controls how often a subscribed session's queued
// events are drained onto the wire. Polling rather than a per-event
// wakeup keeps the dispatcher goroutine (the only one allowed to touch
// the Executive) decoupled from however many sessions are subscribed.
const eventPumpInterval = 50 * time.Millisecond

// session is one accepted connection: a read loop decoding request
// lines, a write loop serializing responses, and whatever event
// subscription this client has armed — interleaved on the same
// connection.
type session struct {
	srv  *Server
	id   uint64
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	subMu sync.Mutex
	sub   *eventbus.Subscription
}

func newSession(srv *Server, id uint64, conn net.Conn) *session {
	return &session{srv: srv, id: id, conn: conn, enc: json.NewEncoder(conn)}
}

func (s *session) run(ctx context.Context) {
	defer s.teardown()

	done := make(chan struct{})
	defer close(done)
	go s.pumpEvents(ctx, done)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(errResponse(0, string(hsxerr.RpcBadRequest), "malformed json: %s", err))
			continue
		}
		resp := s.dispatch(req)
		s.writeResponse(resp)
		if req.Cmd == "session.close" {
			return
		}
	}
}

func (s *session) teardown() {
	s.conn.Close()
	s.subMu.Lock()
	sub := s.sub
	s.sub = nil
	s.subMu.Unlock()
	if sub != nil {
		s.srv.bus.Unsubscribe(sub.ID())
	}
}

func (s *session) dispatch(req request) response {
	h, ok := handlers[req.Cmd]
	if !ok {
		return errResponse(req.ID, string(hsxerr.RpcUnsupportedCmd), "unknown command %q", req.Cmd)
	}
	return h(s, req)
}

func (s *session) writeResponse(r response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.enc.Encode(r)
}

// pumpEvents drains this session's subscription, if any, onto the wire
// on its own goroutine so a slow reader of command responses never
// stalls event delivery, and so the dispatcher goroutine never blocks
// on a session's socket.
func (s *session) pumpEvents(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(eventPumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.subMu.Lock()
			sub := s.sub
			s.subMu.Unlock()
			if sub == nil {
				continue
			}
			for _, e := range sub.Drain() {
				env := eventEnvelope{
					Type: "event", Seq: e.Seq, Ts: e.Ts,
					Event: string(e.Category), PID: e.PID, Data: e.Data,
				}
				s.writeMu.Lock()
				_ = s.enc.Encode(env)
				s.writeMu.Unlock()
			}
		}
	}
}
