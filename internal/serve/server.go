// Package serve exposes chats over HTTP and streams store changes to
// websocket watchers.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/assischat/assischat/internal/config"
	"github.com/assischat/assischat/internal/exchange"
	"github.com/assischat/assischat/internal/store"
)

const (
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
	limiterIdleTTL = 30 * time.Minute
	maxBodyBytes   = 1 << 20
)

// ModelResolver turns an optional "provider:model" reference from a client
// into the canonical form stored on the chat.
type ModelResolver func(ref string) string

// Server serves the chat API.
type Server struct {
	store   *store.Store
	coord   *exchange.Coordinator
	cfg     config.ServeConfig
	resolve ModelResolver
	logger  *slog.Logger

	// Exchanges outlive the request that started them; they stop with base.
	base context.Context

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Server. base bounds every exchange the server starts.
func New(base context.Context, st *store.Store, coord *exchange.Coordinator, cfg config.ServeConfig, resolve ModelResolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if resolve == nil {
		resolve = func(ref string) string { return ref }
	}
	return &Server{
		store:    st,
		coord:    coord,
		cfg:      cfg,
		resolve:  resolve,
		logger:   logger,
		base:     base,
		limiters: make(map[string]*clientLimiter),
	}
}

// Handler returns an http.Handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/chats", s.auth(s.handleListChats))
	mux.HandleFunc("POST /v1/chats", s.auth(s.handleCreateChat))
	mux.HandleFunc("GET /v1/chats/{id}", s.auth(s.handleGetChat))
	mux.HandleFunc("PATCH /v1/chats/{id}", s.auth(s.handleUpdateChat))
	mux.HandleFunc("DELETE /v1/chats/{id}", s.auth(s.handleDeleteChat))
	mux.HandleFunc("GET /v1/chats/{id}/available", s.auth(s.handleAvailable))
	mux.HandleFunc("GET /v1/chats/{id}/messages", s.auth(s.handleListMessages))
	mux.HandleFunc("POST /v1/chats/{id}/messages", s.auth(s.limited(s.handleSend)))
	mux.HandleFunc("POST /v1/chats/{id}/cancel", s.auth(s.handleCancel))
	mux.HandleFunc("GET /v1/chats/{id}/watch", s.auth(s.handleWatch))
	mux.HandleFunc("DELETE /v1/messages/{id}", s.auth(s.handleDeleteMessage))
	mux.HandleFunc("POST /v1/messages/{id}/resend", s.auth(s.limited(s.handleResend)))
	return mux
}

// Run serves on addr until ctx is done, then shuts the listener down and
// cancels in-flight exchanges.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("serving", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.startGC(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.coord.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("exchanges did not drain", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// startGC drops rate limiters of clients that went quiet.
func (s *Server) startGC(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.gcLimiters(time.Now().Add(-limiterIdleTTL))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) gcLimiters(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cl := range s.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(s.limiters, key)
		}
	}
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := store.MatchChats(s.store.Chats(), r.URL.Query().Get("match"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	name, model, prefix := deref(req.Name), deref(req.Model), deref(req.MessagePrefix)
	if strings.TrimSpace(name) == "" {
		name = "New chat"
	}
	chat, err := s.store.CreateChat(r.Context(), name, s.resolve(model), prefix)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.store.Chat(r.PathValue("id"))
	if !ok {
		s.writeErr(w, store.ErrChatNotFound)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	patch := store.ChatPatch{Name: req.Name, MessagePrefix: req.MessagePrefix}
	if req.Model != nil {
		model := s.resolve(*req.Model)
		patch.Model = &model
	}
	chat, err := s.store.UpdateChat(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChat(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	err := s.coord.Available(r.PathValue("id"))
	if errors.Is(err, store.ErrChatNotFound) {
		s.writeErr(w, err)
		return
	}
	resp := map[string]any{"available": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Chat(id); !ok {
		s.writeErr(w, store.ErrChatNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.store.Messages(id)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ex, err := s.coord.Send(s.base, r.PathValue("id"), req.Text)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ChatID: ex.ChatID, MessageID: ex.MessageID, UserMessageID: ex.UserMessageID})
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	ex, err := s.coord.Resend(s.base, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ChatID: ex.ChatID, MessageID: ex.MessageID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Chat(id); !ok {
		s.writeErr(w, store.ErrChatNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.coord.Cancel(id)})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Message(id); !ok {
		s.writeErr(w, store.ErrMessageNotFound)
		return
	}
	if err := s.store.DeleteMessages(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWatch streams a snapshot and then every change of one chat. With
// ?cancel_on_close=1 the chat's in-flight exchange is cancelled when the
// socket goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, ok := s.store.Chat(chatID); !ok {
		s.writeErr(w, store.ErrChatNotFound)
		return
	}
	cancelOnClose := isTruthy(r.URL.Query().Get("cancel_on_close"))

	// Subscribe before the snapshot so nothing between the two is lost.
	sub := s.store.Subscribe(chatID)
	defer sub.Close()

	conn, err := upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.Close()

	wt := &watcher{srv: s, conn: conn, chatID: chatID, client: clientKey(r), notices: make(chan WireEvent, 8)}
	log := s.logger.With("chat_id", chatID, "remote", r.RemoteAddr)
	log.Debug("watcher attached", "cancel_on_close", cancelOnClose)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		wt.readLoop()
	}()

	err = wt.writeLoop(r.Context(), sub, readDone)
	log.Debug("watcher detached", "error", err)

	if cancelOnClose && s.coord.Cancel(chatID) {
		log.Info("cancelled exchange on watcher close")
	}
}

type watcher struct {
	srv     *Server
	conn    *websocket.Conn
	chatID  string
	client  string
	seq     int64
	notices chan WireEvent
}

func (w *watcher) readLoop() {
	for {
		var ev ClientEvent
		if err := w.conn.ReadJSON(&ev); err != nil {
			return
		}
		w.handleClientEvent(ev)
	}
}

func (w *watcher) handleClientEvent(ev ClientEvent) {
	s := w.srv
	var (
		ex  *exchange.Exchange
		err error
	)
	switch ev.Type {
	case "send":
		if !s.allow(w.client) {
			w.notice(WireEvent{Type: wireError, Code: "rate_limited", Error: "too many requests"})
			return
		}
		ex, err = s.coord.Send(s.base, w.chatID, ev.Text)
	case "resend":
		if !s.allow(w.client) {
			w.notice(WireEvent{Type: wireError, Code: "rate_limited", Error: "too many requests"})
			return
		}
		ex, err = s.coord.Resend(s.base, ev.MessageID)
	case "cancel":
		s.coord.Cancel(w.chatID)
		return
	default:
		w.notice(WireEvent{Type: wireError, Code: "invalid_request", Error: "unknown event type " + ev.Type})
		return
	}
	if err != nil {
		_, code := statusFor(err)
		w.notice(WireEvent{Type: wireError, Code: code, Error: err.Error()})
		return
	}
	w.notice(WireEvent{Type: wireAccepted, ChatID: ex.ChatID, MessageID: ex.MessageID, UserMessageID: ex.UserMessageID})
}

// notice queues an event for the writer; it drops when the writer is gone.
func (w *watcher) notice(ev WireEvent) {
	select {
	case w.notices <- ev:
	default:
	}
}

// writeLoop owns every write on the connection.
func (w *watcher) writeLoop(ctx context.Context, sub *store.Subscription, readDone <-chan struct{}) error {
	if err := w.sendSnapshot(); err != nil {
		return err
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readDone:
			return nil
		case ev := <-w.notices:
			if err := w.write(ev); err != nil {
				return err
			}
		case change, ok := <-sub.C:
			if !ok {
				return nil
			}
			if change.Kind == store.ChangeResync {
				if err := w.sendSnapshot(); err != nil {
					return err
				}
				continue
			}
			if err := w.write(ToWireEvent(0, change)); err != nil {
				return err
			}
			if change.Kind == store.ChangeChatDeleted {
				return nil
			}
		case <-ping.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (w *watcher) sendSnapshot() error {
	chat, ok := w.srv.store.Chat(w.chatID)
	if !ok {
		return w.write(WireEvent{Type: string(store.ChangeChatDeleted), ChatID: w.chatID})
	}
	return w.write(WireEvent{Type: wireSnapshot, ChatID: w.chatID, Chat: &chat, Messages: w.srv.store.Messages(w.chatID)})
}

func (w *watcher) write(ev WireEvent) error {
	w.seq++
	ev.Seq = w.seq
	return writeEvent(w.conn, ev)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimSpace(s.cfg.Token)
	if token == "" {
		return true
	}
	value := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(value, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(value, prefix)) == token
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token") == token
}

// limited applies the per-client send/resend rate.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	}
}

func (s *Server) allow(key string) bool {
	if s.cfg.RateLimit <= 0 {
		return true
	}
	s.mu.Lock()
	cl, ok := s.limiters[key]
	if !ok {
		burst := s.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)}
		s.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	s.mu.Unlock()
	return cl.limiter.Allow()
}

func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFor maps domain errors to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, exchange.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, exchange.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable, "adapter_unavailable"
	case errors.Is(err, exchange.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, store.ErrNotResendable):
		return http.StatusConflict, "not_resendable"
	case errors.Is(err, store.ErrChatNotFound), errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	// An empty body is an empty request.
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return upgrader.Upgrade(w, r, nil)
}

func writeEvent(conn *websocket.Conn, e WireEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
