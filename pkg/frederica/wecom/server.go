package wecom

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fredericabot/frederica/pkg/frederica/session"
)

const maxCallbackBody = 1 << 20

// Server is the HTTP callback server. WeCom delivers user messages to it;
// actionable ones are submitted to the session registry and answered
// asynchronously through the message API.
type Server struct {
	addr      string
	crypto    *Crypto
	registry  *session.Registry
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates the callback server.
func NewServer(addr string, crypto *Crypto, registry *session.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8770"
	}
	return &Server{
		addr:     addr,
		crypto:   crypto,
		registry: registry,
		logger:   logger.With("component", "wecom-server"),
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("callback server error", "error", err)
		}
	}()
	s.logger.Info("callback server started", "address", s.addr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("callback server stopping...")
	return s.server.Shutdown(ctx)
}

// Handler builds the HTTP routes. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVerify(w, r)
	case http.MethodPost:
		s.handleMessage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the one-time URL verification handshake.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	plain, err := s.crypto.VerifyURL(q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), q.Get("echostr"))
	if err != nil {
		s.logger.Warn("URL verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	s.logger.Info("URL verification succeeded")
	fmt.Fprint(w, plain)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var envelope callbackEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		s.logger.Warn("malformed callback envelope", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	if err := s.crypto.VerifySignature(q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), envelope.Encrypt); err != nil {
		s.logger.Warn("callback signature rejected", "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	plain, err := s.crypto.Decrypt(envelope.Encrypt)
	if err != nil {
		s.logger.Warn("callback decrypt failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var inbound inboundMessage
	if err := xml.Unmarshal(plain, &inbound); err != nil {
		s.logger.Warn("malformed inbound message", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msg, ok := convertInbound(inbound)
	if !ok {
		// Events and unsupported types are acknowledged and dropped.
		s.logger.Debug("ignoring callback", "msg_type", inbound.MsgType, "event", inbound.Event)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.registry.SubmitInbound(msg.UserID, msg); err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			s.logger.Warn("session capacity exceeded, rejecting message", "user_id", msg.UserID)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("submit inbound failed", "user_id", msg.UserID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Empty 200 body means no passive reply; answers go out via the API.
	w.WriteHeader(http.StatusOK)
}

// convertInbound maps a decrypted callback to a session message. Non-text
// media become placeholder content so the conversation records they happened.
func convertInbound(in inboundMessage) (session.Message, bool) {
	msg := session.Message{
		ID:         in.MsgID,
		UserID:     in.FromUserName,
		ReceivedAt: time.Unix(in.CreateTime, 0),
	}
	if in.CreateTime == 0 {
		msg.ReceivedAt = time.Now()
	}

	switch in.MsgType {
	case "text":
		msg.Type = session.MessageText
		msg.Content = in.Content
	case "image":
		msg.Type = session.MessageImage
		msg.Content = "[image]"
	case "voice":
		msg.Type = session.MessageVoice
		msg.Content = "[voice message]"
	case "video":
		msg.Type = session.MessageVideo
		msg.Content = "[video]"
	case "file":
		msg.Type = session.MessageFile
		msg.Content = "[file]"
	default:
		return session.Message{}, false
	}
	if msg.UserID == "" {
		return session.Message{}, false
	}
	return msg, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": strconv.FormatInt(int64(time.Since(s.startedAt).Seconds()), 10),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startedAt).String(),
		"sessions": stats,
	})
}
