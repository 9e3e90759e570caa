package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"presence/scanning-server/internal/ingest"
	"presence/scanning-server/internal/store"
)

const queryTimeout = 2 * time.Second

func (a *App) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/events", a.handleValidator).Methods(http.MethodGet)
	r.HandleFunc("/events", a.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/clients", a.handleListClients).Methods(http.MethodGet)
	r.HandleFunc("/clients/", a.handleListClients).Methods(http.MethodGet)
	r.HandleFunc("/clients/{mac}", a.handleGetClient).Methods(http.MethodGet)
	r.HandleFunc("/floors", a.handleFloors).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/admin/wipe", a.handleWipe).Methods(http.MethodPost)

	return r
}

// handleValidator returns the configured validator token verbatim. The
// push platform fetches it once to prove endpoint ownership.
func (a *App) handleValidator(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(a.cfg.Validator))
}

// handleWebhook accepts one envelope and hands the raw body to the
// dispatch channel without waiting for ingestion. Every path through here
// answers 200 with an empty body: the push platform must never interpret
// an internal failure as a permanent delivery error.
func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		a.logger.Warn("webhook with unexpected content type", "content_type", ct)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.logger.Warn("failed to read webhook body", "error", err)
		return
	}

	if err := a.dispatch.Publish(ingest.TopicPrefix+"/http", body); err != nil {
		a.logger.Error("failed to dispatch webhook payload", "error", err)
	}
}

// handleGetClient looks up one MAC. Unknown devices render as an empty
// object, never as an error.
func (a *App) handleGetClient(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	mac = strings.ReplaceAll(mac, "%20", " ")

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	client, err := a.store.GetClientByMac(ctx, mac)
	if err != nil {
		a.logger.Error("failed to load client", "mac", mac, "error", err)
		http.Error(w, "failed to load client", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if client == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}

	if err := json.NewEncoder(w).Encode(client); err != nil {
		a.logger.Error("failed to encode client response", "error", err)
	}
}

// handleListClients serves the recent-sightings listing. The capacity
// guard runs first on this exact path: once the table holds MaxClients
// rows it is wiped in full, and the query that triggered the wipe sees an
// empty store.
func (a *App) handleListClients(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	wiped, err := a.store.EnforceClientCap(ctx, store.MaxClients)
	if err != nil {
		a.logger.Error("capacity guard failed", "error", err)
		http.Error(w, "failed to load clients", http.StatusInternalServerError)
		return
	}
	if wiped {
		a.logger.Warn("client cap reached, store wiped", "cap", store.MaxClients)
	}

	eventType := r.URL.Query().Get("eventType")
	floors := r.URL.Query().Get("floors")

	clients, err := a.store.ListRecentClients(ctx, eventType, floors)
	if err != nil {
		a.logger.Error("failed to load clients", "error", err)
		http.Error(w, "failed to load clients", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(clients); err != nil {
		a.logger.Error("failed to encode clients response", "error", err)
	}
}

// handleFloors enumerates distinct floors for populating a selector.
func (a *App) handleFloors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	floors, err := a.store.DistinctFloors(ctx)
	if err != nil {
		a.logger.Error("failed to load floors", "error", err)
		http.Error(w, "failed to load floors", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(floors); err != nil {
		a.logger.Error("failed to encode floors response", "error", err)
	}
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.dispatch == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// handleWipe clears the client table on explicit request. The capacity
// guard does the same thing automatically; this is the manual override.
func (a *App) handleWipe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.ResetClients(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe clients", http.StatusInternalServerError)
		return
	}

	a.logger.Warn("wipe: all client state cleared")
	w.WriteHeader(http.StatusNoContent)
}
