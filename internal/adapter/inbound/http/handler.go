// Package http provides the loopback HTTP transport for the session API.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sessionwarden/sessionwarden/internal/domain/activity"
	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
	"github.com/sessionwarden/sessionwarden/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (64 KB). The
// session API only ever carries credentials and small state payloads.
const maxRequestBodySize = 64 << 10

// API exposes the session lifecycle over HTTP to presentation collaborators.
type API struct {
	manager *service.SessionManager
	guards  *service.GuardRegistry
}

// NewAPI creates the session API handler set. guards may be nil when no
// route guards are configured.
func NewAPI(manager *service.SessionManager, guards *service.GuardRegistry) *API {
	return &API{manager: manager, guards: guards}
}

// Routes registers all session API routes on the given mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session/login", a.handleLogin)
	mux.HandleFunc("POST /v1/session/mfa", a.handleMFA)
	mux.HandleFunc("POST /v1/session/logout", a.handleLogout)
	mux.HandleFunc("GET /v1/session", a.handleSnapshot)
	mux.HandleFunc("POST /v1/activity", a.handleActivity)
	mux.HandleFunc("POST /v1/resume", a.handleResume)
	mux.HandleFunc("GET /v1/warning", a.handleWarning)
	mux.HandleFunc("POST /v1/warning/extend", a.handleExtend)
	mux.HandleFunc("POST /v1/warning/logout", a.handleWarningLogout)
	mux.HandleFunc("GET /v1/guards/{name}", a.handleGuard)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Session   *service.Snapshot      `json:"session,omitempty"`
	Challenge *outbound.MFAChallenge `json:"challenge,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := a.manager.Login(r.Context(), outbound.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Challenge != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, loginResponse{Session: out.Session, Challenge: out.Challenge})
}

type mfaRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

func (a *API) handleMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := a.manager.VerifyMFA(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Session: out.Session, Challenge: out.Challenge})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.manager.Logout(r.Context(), session.ReasonUser)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.SnapshotState())
}

type activityRequest struct {
	Kind string `json:"kind"`
}

type activityResponse struct {
	Disposition string `json:"disposition"`
}

func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	disp := a.manager.Activity(activity.Kind(req.Kind))
	writeJSON(w, http.StatusOK, activityResponse{Disposition: string(disp)})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.manager.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWarning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.WarningState())
}

func (a *API) handleExtend(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Extend(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWarningLogout(w http.ResponseWriter, r *http.Request) {
	a.manager.Logout(r.Context(), session.ReasonUser)
	w.WriteHeader(http.StatusNoContent)
}

type guardResponse struct {
	Name    string `json:"name"`
	Allowed bool   `json:"allowed"`
}

func (a *API) handleGuard(w http.ResponseWriter, r *http.Request) {
	if a.guards == nil {
		writeError(w, r, service.ErrUnknownGuard)
		return
	}
	name := r.PathValue("name")
	allowed, err := a.guards.Check(name, a.manager.CurrentSession())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guardResponse{Name: name, Allowed: allowed})
}

// decodeBody reads and decodes a JSON request body, writing the error
// response itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read request body"})
		return false
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty request body"})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, outbound.ErrInvalidCredentials),
		errors.Is(err, outbound.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, outbound.ErrBackendUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, service.ErrNotLoggedIn),
		errors.Is(err, service.ErrSessionTerminated):
		status = http.StatusConflict
	case errors.Is(err, service.ErrUnknownGuard):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
