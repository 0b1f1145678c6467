// Package api exposes the practice core over HTTP and websockets.
//
// Routes:
//
//	POST   /sessions                      create and start a session
//	GET    /sessions/{id}                 session, scenario, turns, evaluation
//	DELETE /sessions/{id}                 delete a session and its records
//	POST   /sessions/{id}/turns           submit a trainee turn
//	POST   /sessions/{id}/manual-stop     end a session on client request
//	GET    /sessions/{id}/evaluation      read the evaluation
//	POST   /sessions/{id}/evaluation      requeue a failed evaluation
//	GET    /ws/sessions/{id}              realtime event stream
//	GET    /audio/{key...}                stored audio (when the blob store can serve it)
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/parley/internal/hub"
	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/blob"
)

// UserHeader carries the caller's user id. Authentication happens upstream.
const UserHeader = "X-User-ID"

// maxBodyBytes bounds request bodies. Turn bodies carry up to 175 000
// base64 characters of audio plus metadata.
const maxBodyBytes = 256 << 10

// Sessions is the lifecycle surface used by the API.
type Sessions interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*practice.Session, error)
	ManualStop(ctx context.Context, sessionID string, reason practice.TerminationReason) (*practice.Session, error)
}

// Turns accepts trainee submissions.
type Turns interface {
	Submit(ctx context.Context, sub turn.Submission) (*turn.Receipt, error)
}

// Evaluations reads and requeues evaluations.
type Evaluations interface {
	Get(ctx context.Context, sessionID string) (*practice.Evaluation, error)
	Requeue(ctx context.Context, sessionID string) (*practice.Evaluation, error)
}

// Realtime serves websocket listeners.
type Realtime interface {
	ServeWS(w http.ResponseWriter, r *http.Request, sessionID string, opts hub.ServeOptions) error
}

// Server routes HTTP requests to the core.
type Server struct {
	store       store.Store
	sessions    Sessions
	turns       Turns
	evaluations Evaluations
	realtime    Realtime

	audio      blob.Reader
	stubUserID string
	wsOptions  hub.ServeOptions
}

// Option is a functional option for [Server].
type Option func(*Server)

// WithAudio serves stored audio under /audio/ from r.
func WithAudio(r blob.Reader) Option {
	return func(s *Server) { s.audio = r }
}

// WithStubUser sets the user id assumed when a request carries no
// [UserHeader].
func WithStubUser(id string) Option {
	return func(s *Server) { s.stubUserID = id }
}

// WithWebsocket configures websocket upgrades.
func WithWebsocket(opts hub.ServeOptions) Option {
	return func(s *Server) { s.wsOptions = opts }
}

// New builds a server.
func New(st store.Store, sessions Sessions, turns Turns, evaluations Evaluations, realtime Realtime, opts ...Option) *Server {
	s := &Server{
		store:       st,
		sessions:    sessions,
		turns:       turns,
		evaluations: evaluations,
		realtime:    realtime,
		stubUserID:  "local-user",
		wsOptions:   hub.ServeOptions{PingInterval: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.createSession)
	mux.HandleFunc("GET /sessions/{id}", scoped(s.getSession))
	mux.HandleFunc("DELETE /sessions/{id}", scoped(s.deleteSession))
	mux.HandleFunc("POST /sessions/{id}/turns", scoped(s.submitTurn))
	mux.HandleFunc("POST /sessions/{id}/manual-stop", scoped(s.manualStop))
	mux.HandleFunc("GET /sessions/{id}/evaluation", scoped(s.getEvaluation))
	mux.HandleFunc("POST /sessions/{id}/evaluation", scoped(s.requeueEvaluation))
	mux.HandleFunc("GET /ws/sessions/{id}", scoped(s.websocket))
	if s.audio != nil {
		mux.HandleFunc("GET /audio/{key...}", s.serveAudio)
	}
}

// scoped tags the request context with the session id of the route so
// downstream spans and logs carry it.
func scoped(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(observe.WithSession(r.Context(), r.PathValue("id"))))
	}
}

type createSessionRequest struct {
	ScenarioID             string    `json:"scenarioId"`
	ClientSessionStartedAt time.Time `json:"clientSessionStartedAt"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.Create(r.Context(), lifecycle.CreateRequest{
		UserID:          s.userID(r),
		ScenarioID:      req.ScenarioID,
		ClientStartedAt: req.ClientSessionStartedAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type sessionView struct {
	Session    *practice.Session    `json:"session"`
	Scenario   *practice.Scenario   `json:"scenario,omitempty"`
	Turns      []*practice.Turn     `json:"turns"`
	Evaluation *practice.Evaluation `json:"evaluation,omitempty"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view := sessionView{Session: sess}
	if view.Scenario, err = s.store.GetScenario(ctx, sess.ScenarioID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	if view.Turns, err = s.store.ListTurns(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	if view.Evaluation, err = s.store.GetEvaluationBySession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitTurnRequest struct {
	Sequence    int       `json:"sequence"`
	AudioBase64 string    `json:"audioBase64"`
	Context     string    `json:"context"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
}

func (s *Server) submitTurn(w http.ResponseWriter, r *http.Request) {
	var req submitTurnRequest
	if !decode(w, r, &req) {
		return
	}
	rcpt, err := s.turns.Submit(r.Context(), turn.Submission{
		SessionID:   r.PathValue("id"),
		Sequence:    req.Sequence,
		AudioBase64: req.AudioBase64,
		Context:     req.Context,
		StartedAt:   req.StartedAt,
		EndedAt:     req.EndedAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rcpt)
}

type manualStopRequest struct {
	Reason practice.TerminationReason `json:"reason"`
}

func (s *Server) manualStop(w http.ResponseWriter, r *http.Request) {
	var req manualStopRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.ManualStop(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := s.evaluations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) requeueEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := s.evaluations.Requeue(r.Context(), r.PathValue("id"))
	if errors.Is(err, practice.ErrConflict) && ev != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Evaluation: ev})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.realtime.ServeWS(w, r, id, s.wsOptions); err != nil {
		observe.Logger(r.Context()).Debug("websocket closed", "err", err)
	}
}

func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.audio.Get(r.Context(), r.PathValue("key"))
	if errors.Is(err, blob.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(data)
}

func (s *Server) userID(r *http.Request) string {
	if id := r.Header.Get(UserHeader); id != "" {
		return id
	}
	return s.stubUserID
}

// decode reads a JSON body into v, answering 400 or 413 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: practice.ErrAudioTooLarge.Error()})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
