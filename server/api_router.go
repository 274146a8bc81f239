package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

const allRoutesPrefix = "/api/v1"

func (al *APIListener) initRouter() {
	r := mux.NewRouter()
	api := r.PathPrefix(allRoutesPrefix).Subrouter()

	api.HandleFunc("/status", al.handleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/device/health", al.handleGetDeviceHealth).Methods(http.MethodGet)

	api.HandleFunc("/versions", al.handleGetVersions).Methods(http.MethodGet)
	api.HandleFunc("/versions/refresh", al.handleRefreshVersions).Methods(http.MethodPost)

	api.HandleFunc("/upgrades/plan", al.handleGetPlan).Methods(http.MethodGet)
	api.HandleFunc("/upgrades", al.handlePostUpgrade).Methods(http.MethodPost)
	api.HandleFunc("/upgrades/current", al.handleCancelUpgrade).Methods(http.MethodDelete)
	api.HandleFunc("/upgrades/resumable", al.handleGetResumable).Methods(http.MethodGet)
	api.HandleFunc("/upgrades/resume", al.handleResumeUpgrade).Methods(http.MethodPost)
	api.HandleFunc("/upgrades/reboot", al.handlePostReboot).Methods(http.MethodPost)
	api.HandleFunc("/upgrades/history", al.handleGetHistory).Methods(http.MethodGet)
	api.HandleFunc("/upgrades/history/{attempt_id}", al.handleGetHistoryAttempt).Methods(http.MethodGet)

	api.HandleFunc("/ws/upgrade", al.wsUpgradeProgress).Methods(http.MethodGet)

	r.HandleFunc("/healthz", al.handleHealthz).Methods(http.MethodGet)

	al.router = r
}
