// Package server is the HTTP boundary: chat streaming, direct injection,
// the Slack events relay and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/labs-agent/internal/agent"
	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/history"
	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/internal/stream"
)

const slackPrefix = "New Slack message received. Parse it and add any labs to Notion:\n\n"

// KeyChecker verifies the configured model API key.
type KeyChecker interface {
	ListModels(ctx context.Context) (int, error)
}

type Server struct {
	hub               *agent.Hub
	slackConversation string
	apiKey            string
	keys              KeyChecker
	upgrader          websocket.Upgrader
}

// New builds the HTTP handler. keys may be nil, in which case the key
// check only reports whether a key is configured.
func New(hub *agent.Hub, cfg *config.Config, keys KeyChecker) http.Handler {
	s := &Server{
		hub:               hub,
		slackConversation: cfg.Slack.Conversation,
		apiKey:            cfg.LLM.APIKey,
		keys:              keys,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.slackConversation == "" {
		s.slackConversation = "slack-automation"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/{name}/chat", s.handleChat)
	mux.HandleFunc("GET /agents/{name}/ws", s.handleWebsocket)
	mux.HandleFunc("GET /agents/{name}/conversation", s.handleConversation)
	mux.HandleFunc("POST /agents/{name}/add-message", s.handleAddMessage)
	mux.HandleFunc("POST /slack/events", s.handleSlackEvents)
	mux.HandleFunc("GET /check-open-ai-key", s.handleCheckKey)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Debug("failed to write JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		logger.L.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) agent(w http.ResponseWriter, r *http.Request) (*agent.Agent, bool) {
	a, err := s.hub.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		logger.L.Error("failed to get agent", "name", r.PathValue("name"), "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to open conversation")
		return nil, false
	}
	return a, true
}

// chatRequest is either a full message or just {"text": "..."}.
type chatRequest struct {
	history.Message
	Text string `json:"text,omitempty"`
}

func (c chatRequest) message() history.Message {
	msg := c.Message
	if len(msg.Parts) == 0 && c.Text != "" {
		msg.Parts = []history.Part{history.TextPart(c.Text)}
	}
	if msg.Metadata.Source == "" {
		msg.Metadata.Source = history.SourceChat
	}
	return msg
}

// handleChat runs one round and streams its events as NDJSON. Closing the
// connection cancels the round.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg := req.message()
	if len(msg.Parts) == 0 {
		errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	a, ok := s.agent(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	st := a.HandleInboundMessage(r.Context(), msg)
	for ev := range st.Events() {
		if err := enc.Encode(ev); err != nil {
			logger.L.Debug("client went away", "error", err)
			st.Cancel()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type wsRequest struct {
	Type string `json:"type,omitempty"`
	chatRequest
}

// handleWebsocket carries the chat protocol over a websocket: each
// received message starts a round whose events are sent back as JSON.
// Messages sent during a round are queued; {"type":"cancel"} aborts the
// round in flight.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	incoming := make(chan wsRequest)
	go func() {
		defer cancel()
		defer close(incoming)
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.L.Debug("websocket read failed", "error", err)
				}
				return
			}
			select {
			case incoming <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		current *stream.Stream
		events  <-chan stream.Event
		queued  []wsRequest
	)
	start := func(req wsRequest) {
		current = a.HandleInboundMessage(ctx, req.message())
		events = current.Events()
	}
	for {
		select {
		case <-ctx.Done():
			if current != nil {
				current.Cancel()
			}
			return
		case req, ok := <-incoming:
			if !ok {
				if current != nil {
					current.Cancel()
				}
				return
			}
			switch {
			case req.Type == "cancel":
				if current != nil {
					current.Cancel()
				}
			case current != nil:
				queued = append(queued, req)
			default:
				start(req)
			}
		case ev, ok := <-events:
			if !ok {
				current, events = nil, nil
				if len(queued) > 0 {
					next := queued[0]
					queued = queued[1:]
					start(next)
				}
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.L.Debug("websocket write failed", "error", err)
				current.Cancel()
				return
			}
		}
	}
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	msgs, err := a.History(r.Context())
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []history.Message{}
	}
	writeJSON(w, map[string]any{"messages": msgs})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var msg history.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg.Metadata.Source == "" {
		msg.Metadata.Source = history.SourceDirect
	}
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	if err := a.HandleDirectInjection(r.Context(), msg); err != nil {
		logger.L.Warn("direct injection rejected", "conversation", a.Name(), "error", err)
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Message added"))
}

type slackEnvelope struct {
	Type      string      `json:"type"`
	Challenge string      `json:"challenge"`
	Event     *slackEvent `json:"event"`
}

type slackEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Text    string `json:"text"`
	User    string `json:"user"`
	Channel string `json:"channel"`
	BotID   string `json:"bot_id"`
}

// handleSlackEvents answers URL verification and relays channel messages
// into the Slack conversation. Slack gets a 200 even when the relay
// fails, otherwise it retries the delivery.
func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	var env slackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case env.Type == "url_verification":
		writeJSON(w, map[string]string{"challenge": env.Challenge})
		return
	case env.Type == "event_callback" && env.Event != nil && env.Event.Type == "message":
		if env.Event.BotID != "" || env.Event.Subtype == "bot_message" {
			logger.L.Debug("ignoring bot message", "channel", env.Event.Channel)
			break
		}
		logger.L.Info("new Slack message", "channel", env.Event.Channel, "user", env.Event.User)
		msg := history.NewTextMessage(history.RoleUser, slackPrefix+env.Event.Text)
		msg.Metadata.Source = history.SourceSlack
		if err := s.relay(r.Context(), msg); err != nil {
			logger.L.Error("failed to forward Slack message to agent", "error", err)
		}
	default:
		logger.L.Debug("ignoring Slack payload", "type", env.Type)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) relay(ctx context.Context, msg history.Message) error {
	a, err := s.hub.Get(ctx, s.slackConversation)
	if err != nil {
		return err
	}
	return a.HandleDirectInjection(ctx, msg)
}

func (s *Server) handleCheckKey(w http.ResponseWriter, r *http.Request) {
	ok := s.apiKey != ""
	if ok && s.keys != nil {
		if _, err := s.keys.ListModels(r.Context()); err != nil {
			logger.L.Warn("model API key check failed", "error", err)
			ok = false
		}
	}
	writeJSON(w, map[string]bool{"success": ok})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
