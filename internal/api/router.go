// Package api serves the HTTP endpoints of the annotation server.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/soaringjerry/covfee/internal/ids"
	"github.com/soaringjerry/covfee/internal/logging"
	"github.com/soaringjerry/covfee/internal/middleware"
	"github.com/soaringjerry/covfee/internal/models"
	"github.com/soaringjerry/covfee/internal/services"
)

const maxImportBody = 8 << 20

type Deps struct {
	Instances *services.InstanceService
	Responses *services.ResponseService
	Projects  *services.ProjectService
	Journeys  *services.JourneyService
	Chats     *services.ChatService
	Auth      *services.AuthService
	Log       *logging.Logger
}

type Router struct {
	instances *services.InstanceService
	responses *services.ResponseService
	projects  *services.ProjectService
	journeys  *services.JourneyService
	chats     *services.ChatService
	auth      *services.AuthService
	log       *logging.Logger
}

func NewRouter(d Deps) *Router {
	log := d.Log
	if log == nil {
		log = logging.NopLogger()
	}
	return &Router{
		instances: d.Instances,
		responses: d.Responses,
		projects:  d.Projects,
		journeys:  d.Journeys,
		chats:     d.Chats,
		auth:      d.Auth,
		log:       log.WithComponent("api"),
	}
}

// Register mounts the API on mux. Claims must already be attached to the
// request context (Authenticator.WithAuth) for the protected routes.
func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/instances/{id}", rt.handleInstance)
	mux.HandleFunc("POST /api/instances/{id}/submit", rt.handleInstanceSubmit)
	mux.HandleFunc("GET /api/instances/{id}/tasks/{nodeId}/response", rt.handleLatestResponse)
	mux.Handle("POST /api/responses/{id}/submit", middleware.RequireAuth(http.HandlerFunc(rt.handleResponseSubmit)))
	mux.Handle("GET /api/chats/{id}/messages", middleware.RequireAuth(http.HandlerFunc(rt.handleChatMessages)))
	mux.HandleFunc("POST /api/journeys/{id}/token", rt.handleJourneyToken)
	mux.HandleFunc("POST /api/admin/login", rt.handleAdminLogin)
	mux.Handle("GET /api/projects/{id}", middleware.RequireAdmin(http.HandlerFunc(rt.handleProject)))
	mux.Handle("POST /api/projects/import", middleware.RequireAdmin(http.HandlerFunc(rt.handleImport)))
}

// GET /api/instances/{id}?preview=1
func (rt *Router) handleInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var (
		view *models.InstanceView
		err  error
	)
	if r.URL.Query().Get("preview") != "" {
		view, err = rt.instances.PreviewView(r.Context(), id)
	} else {
		view, err = rt.instances.View(r.Context(), id)
	}
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /api/instances/{id}/submit
func (rt *Router) handleInstanceSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	view, err := rt.instances.Submit(r.Context(), id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /api/instances/{id}/tasks/{nodeId}/response
func (rt *Router) handleLatestResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	nodeID, ok := pathInt(w, r, "nodeId")
	if !ok {
		return
	}
	resp, err := rt.responses.LatestOrCreate(r.Context(), id, nodeID)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResponseView(resp))
}

// POST /api/responses/{id}/submit  body: the response payload
func (rt *Router) handleResponseSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	current, err := rt.responses.Get(r.Context(), id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	if !rt.allowInstance(w, r, current.InstanceID) {
		return
	}
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	resp, err := rt.responses.Submit(r.Context(), id, body)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResponseView(resp))
}

// GET /api/chats/{id}/messages
func (rt *Router) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	chat, err := rt.chats.Chat(r.Context(), id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	if !rt.allowInstance(w, r, chat.InstanceID) {
		return
	}
	msgs, err := rt.chats.Messages(r.Context(), chat.ID)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	out := make([]models.ChatMessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.NewChatMessageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chat.ID, "messages": out})
}

// allowInstance reports whether the caller may touch records of instanceID:
// admins always, subjects only through a token for one of its journeys.
// It writes the error response when not.
func (rt *Router) allowInstance(w http.ResponseWriter, r *http.Request, instanceID []byte) bool {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if claims.Admin {
		return true
	}
	journeyID, err := ids.ParseHex(claims.JourneyID)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	j, err := rt.journeys.Journey(r.Context(), journeyID)
	if err != nil {
		rt.writeServiceError(w, err)
		return false
	}
	if string(j.InstanceID) != string(instanceID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// POST /api/journeys/{id}/token
func (rt *Router) handleJourneyToken(w http.ResponseWriter, r *http.Request) {
	res, err := rt.auth.JourneyToken(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeToken(w, res)
}

// POST /api/admin/login {password}
func (rt *Router) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := rt.auth.AdminLogin(req.Password)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeToken(w, res)
}

// GET /api/projects/{id}
func (rt *Router) handleProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	view, err := rt.projects.View(r.Context(), id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /api/projects/import?format=json|yaml|toml  body: the project file
func (rt *Router) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	pf, err := services.DecodeProjectFile(data, importFormat(r))
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	res, err := rt.projects.Import(r.Context(), pf)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	rt.log.Info("project imported", "project_id", res.ProjectID, "instances_created", res.InstancesCreated)
	writeJSON(w, http.StatusOK, res)
}

func importFormat(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f != "" {
		return f
	}
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "yaml"):
		return "yaml"
	case strings.Contains(ct, "toml"):
		return "toml"
	}
	if ext := strings.TrimPrefix(filepath.Ext(r.URL.Query().Get("name")), "."); ext != "" {
		return ext
	}
	return "json"
}

type responseView struct {
	ID          int64           `json:"id"`
	InstanceID  string          `json:"instance_id"`
	NodeID      int64           `json:"node_id"`
	Index       int             `json:"index"`
	State       json.RawMessage `json:"state,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Submitted   bool            `json:"submitted"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
}

func newResponseView(r *models.TaskResponse) responseView {
	return responseView{
		ID:          r.ID,
		InstanceID:  ids.Hex(r.InstanceID),
		NodeID:      r.NodeID,
		Index:       r.Index,
		State:       r.State,
		Data:        r.Data,
		Submitted:   r.Submitted,
		SubmittedAt: r.SubmittedAt,
	}
}

func writeToken(w http.ResponseWriter, res *services.AuthResult) {
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      res.Token,
		"journey_id": res.JourneyID,
		"admin":      res.Admin,
		"expires_in": int64(res.ExpiresIn / time.Second),
	})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) ([]byte, bool) {
	id, err := ids.ParseHex(r.PathValue(name))
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return nil, false
	}
	return id, true
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || v <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) writeServiceError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusBadRequest
		switch se.Code {
		case services.ErrorForbidden:
			status = http.StatusForbidden
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorConflict:
			status = http.StatusConflict
		case services.ErrorUnauthorized:
			status = http.StatusUnauthorized
		case services.ErrorBadGateway:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": se.Message, "code": string(se.Code)})
		return
	}
	rt.log.Error("request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
