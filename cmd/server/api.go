package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/guido-cesarano/taskgate/pkg/fleet"
	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/queue"
	"github.com/guido-cesarano/taskgate/pkg/scheduler"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// inspectLimit caps the jobs returned by the queue inspector.
const inspectLimit = 50

type principalKey struct{}

// api holds the collaborators of the HTTP handlers.
type api struct {
	sched *scheduler.Scheduler
	fleet *fleet.Registry
	queue *queue.Client
}

// Keys configures API authentication. With both keys empty every caller is let in
// without admin rights (dev mode).
type Keys struct {
	API   string
	Admin string
}

// authMiddleware enforces X-API-Key and records the caller's principal on the request.
func authMiddleware(keys Keys) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			var who scheduler.Principal
			switch {
			case keys.Admin != "" && got == keys.Admin:
				who = scheduler.Principal{Name: "admin-key", Roles: []string{scheduler.RoleAdmin}}
			case keys.API == "" && keys.Admin == "":
				who = scheduler.Principal{Name: "anonymous"}
			case keys.API != "" && got == keys.API:
				who = scheduler.Principal{Name: "api-key"}
			default:
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, who)))
		})
	}
}

func principalFrom(ctx context.Context) scheduler.Principal {
	who, _ := ctx.Value(principalKey{}).(scheduler.Principal)
	return who
}

// enableCORS adds CORS headers and answers preflight requests before auth runs.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setupRouter configures the HTTP handlers and returns the router.
func setupRouter(a *api, keys Keys) *mux.Router {
	r := mux.NewRouter()
	r.Use(enableCORS, authMiddleware(keys))

	r.HandleFunc("/tasks", a.createTask).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/tasks", a.listTasks).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/tasks/{id}", a.getTask).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/override", a.override).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/servers", a.addServer).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/servers/{id}", a.deleteServer).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/servers/{id}/available", a.serverAvailable).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/apps", a.addApp).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/apps/{id}", a.deleteApp).Methods(http.MethodDelete, http.MethodOptions)

	r.HandleFunc("/stats", a.stats).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/queues/{name}", a.inspectQueue).Methods(http.MethodGet, http.MethodOptions)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, fleet.ErrUnknownServer),
		errors.Is(err, fleet.ErrUnknownApp):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, tasks.ErrInvalidState),
		errors.Is(err, tasks.ErrUnknownDirective),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func (a *api) createTask(w http.ResponseWriter, r *http.Request) {
	var req scheduler.NewTask
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OwnerID == "" || !req.OwnerKind.Valid() {
		writeError(w, errors.Join(errBadRequest, errors.New("owner_id and a valid owner_kind are required")))
		return
	}

	id, err := a.sched.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *api) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.sched.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// listTasks serves the key and owner lookups, or a plain state listing.
func (a *api) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := tasks.State(q.Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, errors.Join(errBadRequest, tasks.ErrInvalidState))
		return
	}

	var (
		found []*tasks.Task
		err   error
	)
	switch {
	case q.Get("key") != "":
		found, err = a.sched.FindByKeyStateType(r.Context(), q.Get("key"), state, q.Get("type"))
	case q.Get("owner") != "":
		found, err = a.sched.FindByOwnerStateType(r.Context(), q.Get("owner"), state, q.Get("type"))
	default:
		f := tasks.Filter{Type: q.Get("type"), AssociatedServerID: q.Get("server"), Limit: 500}
		if state != "" {
			f.States = []tasks.State{state}
		}
		found, err = a.sched.Store.Find(r.Context(), f)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if found == nil {
		found = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *api) override(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs       []string `json:"ids"`
		Directive string   `json:"directive"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := tasks.ParseDirective(req.Directive)
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := a.sched.Override(r.Context(), principalFrom(r.Context()), req.IDs, d)
	if errors.Is(err, scheduler.ErrForbidden) {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"updated": updated}
	if err != nil {
		resp["errors"] = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) serverAvailable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := a.sched.Gate.IsAvailable(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"server_id": id, "available": ok})
}

func (a *api) addServer(w http.ResponseWriter, r *http.Request) {
	var s fleet.Server
	if err := decode(r, &s); err != nil {
		writeError(w, err)
		return
	}
	if err := a.fleet.AddServer(r.Context(), s); err != nil {
		writeError(w, errors.Join(errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (a *api) addApp(w http.ResponseWriter, r *http.Request) {
	var app fleet.App
	if err := decode(r, &app); err != nil {
		writeError(w, err)
		return
	}
	if err := a.fleet.AddApp(r.Context(), app); err != nil {
		if !errors.Is(err, fleet.ErrUnknownServer) {
			err = errors.Join(errBadRequest, err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (a *api) deleteServer(w http.ResponseWriter, r *http.Request) {
	if err := a.fleet.DeleteServer(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteApp(w http.ResponseWriter, r *http.Request) {
	if err := a.fleet.DeleteApp(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stats returns task counts per state and dispatch queue depths.
func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":  a.sched.Store.Depths(r.Context()),
		"queues": a.queue.GetQueueDepths(r.Context()),
	})
}

func (a *api) inspectQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !queue.IsQueue(name) {
		http.Error(w, "unknown queue "+strconv.Quote(name), http.StatusNotFound)
		return
	}
	jobs, err := a.queue.InspectQueue(r.Context(), name, inspectLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}
