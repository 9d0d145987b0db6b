// Package api is the UI boundary: a local HTTP surface exposing the call
// actions and state, plus a websocket pushing state events. It renders
// nothing; whatever front-end consumes it is someone else's problem.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mboers/dyad/internal/call"
	"github.com/mboers/dyad/internal/history"
	"github.com/mboers/dyad/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server binds to loopback; the UI may load from file:// or a dev
	// server, so origin checking buys nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the UI boundary on a loopback address.
type Server struct {
	mgr  *call.Manager
	hist *history.Store
	self func() call.Identity

	// recent replays the last events to a UI that (re)connects mid-call.
	recent *util.RingBuffer[call.Event]

	srv        *http.Server
	stopEvents func()
}

// New wires the routes. self is a func so a live display-name change from
// the config watcher is reflected immediately.
func New(addr string, mgr *call.Manager, hist *history.Store, self func() call.Identity) *Server {
	s := &Server{
		mgr:    mgr,
		hist:   hist,
		self:   self,
		recent: util.NewRingBuffer[call.Event](32),
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.srv = &http.Server{Addr: addr, Handler: mux}

	// Server-level event feed keeps the replay buffer current.
	ch, cancel := mgr.Events()
	s.stopEvents = cancel
	go func() {
		for e := range ch {
			s.recent.Push(e)
		}
	}()

	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		id := s.self()
		writeJSON(w, map[string]string{"id": id.ID, "display_name": id.DisplayName})
	})

	// GET /api/call/state?conversation_id=X returns one snapshot, or all live
	// attempts when the parameter is omitted.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		if convID := r.URL.Query().Get("conversation_id"); convID != "" {
			snap, ok := s.mgr.Snapshot(convID)
			if !ok {
				http.Error(w, "no live attempt", http.StatusNotFound)
				return
			}
			writeJSON(w, snap)
			return
		}
		writeJSON(w, s.mgr.Snapshots())
	})

	handlePost(mux, "/api/call/watch", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		s.mgr.Watch(req.ConversationID)
		writeJSON(w, map[string]string{"status": "watching"})
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		RemoteLabel    string `json:"remote_label"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		if err := s.mgr.StartCall(req.ConversationID, req.RemoteLabel); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "calling"})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if err := s.mgr.AcceptCall(req.ConversationID); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if err := s.mgr.DeclineCall(req.ConversationID); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		s.mgr.HangUp(req.ConversationID)
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	handlePost(mux, "/api/call/mute", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		muted, err := s.mgr.ToggleMute(req.ConversationID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/camera", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		disabled, err := s.mgr.ToggleCamera(req.ConversationID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"camera_disabled": disabled})
	})

	handlePost(mux, "/api/call/screenshare", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sharing, err := s.mgr.ToggleScreenShare(req.ConversationID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"sharing": sharing})
	})

	// GET /api/history?conversation_id=X&limit=N
	handleGet(mux, "/api/history", func(w http.ResponseWriter, r *http.Request) {
		convID := r.URL.Query().Get("conversation_id")
		if convID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			limit = atoiOrZero(v)
		}
		entries, err := s.hist.List(convID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	})

	// GET /api/call/events upgrades to a websocket: replays recent events, then pushes
	// live ones. While a call is active a snapshot ticks out once per
	// second so the UI's duration display stays honest without polling.
	mux.HandleFunc("/api/call/events", s.handleEvents)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.mgr.Events()
	defer cancel()

	for _, e := range s.recent.Snapshot() {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	// Drain inbound frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			for _, snap := range s.mgr.Snapshots() {
				if snap.State != call.StateActive {
					continue
				}
				if err := conn.WriteJSON(call.Event{Kind: call.EventState, Snapshot: snap}); err != nil {
					return
				}
			}
		}
	}
}

// Start serves until Shutdown. Errors other than graceful close are fatal;
// a UI boundary that silently isn't there helps nobody.
func (s *Server) Start() {
	go func() {
		log.Printf("API: listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API: serve: %v", err)
		}
	}()
}

// Shutdown stops the server and the event feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopEvents()
	return s.srv.Shutdown(ctx)
}

func atoiOrZero(s string) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
