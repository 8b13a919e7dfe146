package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/DockeryAI/BuildRunner3-sub001/internal/log"
	"github.com/DockeryAI/BuildRunner3-sub001/internal/service"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// StartServer exposes a read-mostly status surface over the store: health,
// session listing/creation and per-session detail.
func StartServer(port string, store storage.Store) error {
	svc := service.NewSessionService(store)
	mux := NewMux(svc)

	log.GetLogger().Infof("Starting BuildRunner server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

// NewMux wires the handlers; split out so tests can drive it via httptest.
func NewMux(svc *service.SessionService) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/sessions", sessionsHandler(svc))
	mux.HandleFunc("/sessions/", sessionDetailHandler(svc))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "BuildRunner server is running")
}

func sessionsHandler(svc *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listSessionsHTTP(w, svc)
		case http.MethodPost:
			createSessionHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func createSessionHTTP(w http.ResponseWriter, r *http.Request, svc *service.SessionService) {
	name := r.FormValue("name")
	if name == "" {
		log.GetLogger().Error("Missing 'name' parameter in POST /sessions")
		http.Error(w, "Missing 'name' parameter", http.StatusBadRequest)
		return
	}
	id, err := svc.CreateSession(name)
	if err != nil {
		log.GetLogger().Errorf("Failed to create session: %v", err)
		http.Error(w, fmt.Sprintf("Failed to create session: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": id, "name": name})
}

func listSessionsHTTP(w http.ResponseWriter, svc *service.SessionService) {
	sessions, err := svc.ListSessions()
	if err != nil {
		log.GetLogger().Errorf("Failed to list sessions: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list sessions: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

type sessionDetail struct {
	models.Session
	TaskCounts map[models.TaskStatus]int `json:"task_counts"`
}

func sessionDetailHandler(svc *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/sessions/")
		if id == "" || strings.Contains(id, "/") {
			http.Error(w, "Bad session id", http.StatusBadRequest)
			return
		}
		sess, err := svc.GetSession(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "Session not found", http.StatusNotFound)
				return
			}
			log.GetLogger().Errorf("Failed to get session %s: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to get session: %v", err), http.StatusInternalServerError)
			return
		}
		counts := make(map[models.TaskStatus]int)
		for _, t := range sess.Tasks {
			counts[t.Status]++
		}
		writeJSON(w, sessionDetail{Session: sess, TaskCounts: counts})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
