package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"tandem/api/internal/auth"
	"tandem/api/internal/authpw"
	"tandem/api/internal/generate"
)

const generateStreamTimeout = 3 * time.Minute

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(captureRoute)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	if m := s.service.metrics; m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/api/session/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/session/logout", s.handleLogout).Methods(http.MethodPost)

	r.HandleFunc("/api/lists", s.authed(s.handleListLists)).Methods(http.MethodGet)
	r.HandleFunc("/api/lists", s.authed(s.handleCreateList)).Methods(http.MethodPost)
	r.HandleFunc("/api/lists/{id}", s.authed(s.handleGetList)).Methods(http.MethodGet)
	r.HandleFunc("/api/lists/{id}", s.authed(s.handleEditList)).Methods(http.MethodPatch)
	r.HandleFunc("/api/lists/{id}", s.authed(s.handleDeleteList)).Methods(http.MethodDelete)
	r.HandleFunc("/api/lists/{id}/name", s.authed(s.handleRenameList)).Methods(http.MethodPut)
	r.HandleFunc("/api/lists/{id}/leave", s.authed(s.handleLeaveList)).Methods(http.MethodPost)

	r.HandleFunc("/api/lists/{id}/participants", s.authed(s.handleAddParticipant)).Methods(http.MethodPost)
	r.HandleFunc("/api/lists/{id}/participants/{userId}", s.authed(s.handleChangeRole)).Methods(http.MethodPut)
	r.HandleFunc("/api/lists/{id}/participants/{userId}", s.authed(s.handleRemoveParticipant)).Methods(http.MethodDelete)

	r.HandleFunc("/api/lists/{id}/todos", s.authed(s.handleListTodos)).Methods(http.MethodGet)
	r.HandleFunc("/api/lists/{id}/todos", s.authed(s.handleCreateTodo)).Methods(http.MethodPost)
	r.HandleFunc("/api/lists/{id}/todos/generate", s.authed(s.handleGenerateIntoList)).Methods(http.MethodPost)
	r.HandleFunc("/api/todos/{id}", s.authed(s.handleUpdateTodo)).Methods(http.MethodPatch)
	r.HandleFunc("/api/todos/{id}", s.authed(s.handleDeleteTodo)).Methods(http.MethodDelete)
	r.HandleFunc("/api/todos/{id}/completed", s.authed(s.handleSetCompleted)).Methods(http.MethodPut)
	r.HandleFunc("/api/todos/{id}/assignee", s.authed(s.handleAssignTodo)).Methods(http.MethodPut)

	r.HandleFunc("/api/lists/{id}/messages", s.authed(s.handleListMessages)).Methods(http.MethodGet)
	r.HandleFunc("/api/lists/{id}/messages", s.authed(s.handleSendMessage)).Methods(http.MethodPost)
	r.HandleFunc("/api/lists/{id}/messages/read", s.authed(s.handleMarkRead)).Methods(http.MethodPost)
	r.HandleFunc("/api/lists/{id}/messages/unread", s.authed(s.handleUnread)).Methods(http.MethodGet)
	r.HandleFunc("/api/lists/{id}/attachments", s.authed(s.handleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{id}", s.authed(s.handleUpdateMessage)).Methods(http.MethodPut)
	r.HandleFunc("/api/messages/{id}", s.authed(s.handleDeleteMessage)).Methods(http.MethodDelete)

	r.HandleFunc("/api/generate-todos", s.authed(s.handleGenerateStream)).Methods(http.MethodPost)
	r.HandleFunc("/api/search", s.authed(s.handleSearch)).Methods(http.MethodGet)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !readBody(w, r, &body) {
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !readBody(w, r, &body) {
		return
	}
	session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"email":         session.Email,
		"expiresAt":     session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !readBody(w, r, &body) {
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Refresh token invalid", nil)
			return
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListLists(w http.ResponseWriter, r *http.Request, session Session) {
	lists, err := s.service.ListUserLists(r.Context(), session)
	if err != nil {
		writeFailure(w, err)
		return
	}
	items := make([]map[string]any, 0, len(lists))
	for _, list := range lists {
		items = append(items, listPayload(list, session.UserID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"lists": items})
}

func (s *HTTPServer) handleCreateList(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name string `json:"name"`
	}
	if !readBody(w, r, &body) {
		return
	}
	list, err := s.service.CreateList(r.Context(), session, body.Name)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listPayload(list, session.UserID))
}

func (s *HTTPServer) handleGetList(w http.ResponseWriter, r *http.Request, session Session) {
	list, err := s.service.GetList(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listPayload(list, session.UserID))
}

func (s *HTTPServer) handleRenameList(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name string `json:"name"`
	}
	if !readBody(w, r, &body) {
		return
	}
	list, err := s.service.RenameList(r.Context(), session, mux.Vars(r)["id"], body.Name)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listPayload(list, session.UserID))
}

func (s *HTTPServer) handleEditList(w http.ResponseWriter, r *http.Request, session Session) {
	var body EditListInput
	if !readBody(w, r, &body) {
		return
	}
	list, err := s.service.EditList(r.Context(), session, mux.Vars(r)["id"], body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listPayload(list, session.UserID))
}

func (s *HTTPServer) handleDeleteList(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteList(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLeaveList(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.LeaveList(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAddParticipant(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if !readBody(w, r, &body) {
		return
	}
	participant, err := s.service.AddParticipant(r.Context(), session, mux.Vars(r)["id"], body.Email, body.Role)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":          true,
		"participant": participantPayload(participant, ""),
	})
}

func (s *HTTPServer) handleChangeRole(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Role string `json:"role"`
	}
	if !readBody(w, r, &body) {
		return
	}
	vars := mux.Vars(r)
	if err := s.service.ChangeParticipantRole(r.Context(), session, vars["id"], vars["userId"], body.Role); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRemoveParticipant(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	if err := s.service.RemoveParticipant(r.Context(), session, vars["id"], vars["userId"]); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListTodos(w http.ResponseWriter, r *http.Request, session Session) {
	todos, err := s.service.ListTodos(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	items := make([]map[string]any, 0, len(todos))
	for _, todo := range todos {
		items = append(items, todoPayload(todo))
	}
	writeJSON(w, http.StatusOK, map[string]any{"todos": items})
}

func (s *HTTPServer) handleCreateTodo(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateTodoInput
	if !readBody(w, r, &body) {
		return
	}
	todo, err := s.service.CreateTodo(r.Context(), session, mux.Vars(r)["id"], body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, todoPayload(todo))
}

func (s *HTTPServer) handleSetCompleted(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Completed *bool `json:"completed"`
	}
	if !readBody(w, r, &body) {
		return
	}
	if body.Completed == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "completed is required", map[string]any{"field": "completed"})
		return
	}
	todo, err := s.service.SetTodoCompleted(r.Context(), session, mux.Vars(r)["id"], *body.Completed)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, todoPayload(todo))
}

func (s *HTTPServer) handleUpdateTodo(w http.ResponseWriter, r *http.Request, session Session) {
	var body UpdateTodoInput
	if !readBody(w, r, &body) {
		return
	}
	todo, err := s.service.UpdateTodoDetails(r.Context(), session, mux.Vars(r)["id"], body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, todoPayload(todo))
}

func (s *HTTPServer) handleAssignTodo(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Assignee string `json:"assignee"`
	}
	if !readBody(w, r, &body) {
		return
	}
	todo, err := s.service.AssignTodo(r.Context(), session, mux.Vars(r)["id"], body.Assignee)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, todoPayload(todo))
}

func (s *HTTPServer) handleDeleteTodo(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteTodo(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request, session Session) {
	messages, err := s.service.ListMessages(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messagePayload(message))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, session Session) {
	var body SendMessageInput
	if !readBody(w, r, &body) {
		return
	}
	message, err := s.service.SendMessage(r.Context(), session, mux.Vars(r)["id"], body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messagePayload(message))
}

func (s *HTTPServer) handleUpdateMessage(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Text string `json:"text"`
	}
	if !readBody(w, r, &body) {
		return
	}
	message, err := s.service.UpdateMessage(r.Context(), session, mux.Vars(r)["id"], body.Text)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagePayload(message))
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteMessage(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request, session Session) {
	at, err := s.service.MarkMessagesRead(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "lastReadAt": at})
}

func (s *HTTPServer) handleUnread(w http.ResponseWriter, r *http.Request, session Session) {
	count, since, err := s.service.UnreadCount(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	var lastReadAt any
	if !since.IsZero() {
		lastReadAt = since
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": count, "lastReadAt": lastReadAt})
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session) {
	// a zero limit means uploads are unbounded
	if blobs := s.service.blobs; blobs != nil && blobs.MaxBytes() > 0 && r.Body != nil {
		// base64 inflates by 4/3; leave room for the JSON envelope
		r.Body = http.MaxBytesReader(w, r.Body, blobs.MaxBytes()*4/3+64*1024)
	}
	var body UploadInput
	if err := decodeBody(r, &body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "attachment too large", map[string]any{"field": "content"})
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	attachmentURL, err := s.service.UploadAttachment(r.Context(), session, mux.Vars(r)["id"], body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"url": attachmentURL})
}

func (s *HTTPServer) handleGenerateIntoList(w http.ResponseWriter, r *http.Request, session Session) {
	var body GenerateInput
	if !readBody(w, r, &body) {
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(generateStreamTimeout))
	report, err := s.service.GenerateIntoList(r.Context(), session, mux.Vars(r)["id"], body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleGenerateStream writes one JSON candidate per line as soon as the
// model completes it. A failure after the first line ends the stream with
// a final {"error": ...} line.
func (s *HTTPServer) handleGenerateStream(w http.ResponseWriter, r *http.Request, session Session) {
	var body GenerateInput
	if !readBody(w, r, &body) {
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(generateStreamTimeout))

	encoder := json.NewEncoder(w)
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}

	err := s.service.StreamGeneratedTodos(r.Context(), session, body, func(candidate generate.Candidate) error {
		start()
		if err := encoder.Encode(candidate); err != nil {
			return err
		}
		_ = rc.Flush()
		return nil
	})
	if err != nil && !started {
		writeFailure(w, err)
		return
	}
	start()
	if err != nil {
		_, _, message, _ := mapError(err)
		_ = encoder.Encode(map[string]any{"error": message})
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	response, err := s.service.Search(r.Context(), session, query.Get("q"), query.Get("type"), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
			return Session{}, false
		}
		log.Error().Err(err).Msg("session lookup failed")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		route := &routeInfo{}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = context.WithValue(ctx, routeInfoKey{}, route)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		elapsed := time.Since(started)
		s.service.metrics.ObserveRequest(r.Method, route.template, writer.status, elapsed)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route.template).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type routeInfoKey struct{}

// routeInfo is filled in by captureRoute once the router has matched.
type routeInfo struct {
	template string
}

func captureRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info, ok := r.Context().Value(routeInfoKey{}).(*routeInfo); ok {
			if route := mux.CurrentRoute(r); route != nil {
				info.template, _ = route.GetPathTemplate()
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeFailure(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

// readBody decodes the JSON body into target, answering 400 on failure.
func readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
