package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/panupd/panupd/server/api"
	"github.com/panupd/panupd/server/upgrade"
)

type upgradeRequest struct {
	Version string `json:"version"`
	// Confirmed is the caller's acknowledgement of the previewed step plan.
	Confirmed bool `json:"confirmed"`
}

func (al *APIListener) handleGetPlan(w http.ResponseWriter, req *http.Request) {
	version := req.URL.Query().Get("version")
	if version == "" {
		al.jsonErrorResponseWithTitle(w, http.StatusBadRequest, "'version' query param is required")
		return
	}

	plan, err := al.upgrades.Plan(req.Context(), version)
	if err != nil {
		al.jsonErrorResponse(w, http.StatusBadRequest, err)
		return
	}
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(plan))
}

func (al *APIListener) handlePostUpgrade(w http.ResponseWriter, req *http.Request) {
	var in upgradeRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		al.jsonErrorResponseWithError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if in.Version == "" {
		al.jsonErrorResponseWithTitle(w, http.StatusBadRequest, "'version' is required")
		return
	}
	if !in.Confirmed {
		al.jsonErrorResponseWithTitle(w, http.StatusBadRequest, "the upgrade plan must be confirmed ('confirmed': true)")
		return
	}

	plan, err := al.upgrades.Start(req.Context(), in.Version)
	if err != nil {
		al.jsonErrorResponse(w, workflowErrorStatus(err), err)
		return
	}
	al.Infof("upgrade to PAN-OS %s accepted", in.Version)
	al.writeJSONResponse(w, http.StatusAccepted, api.NewSuccessPayload(plan))
}

func (al *APIListener) handleCancelUpgrade(w http.ResponseWriter, req *http.Request) {
	al.upgrades.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (al *APIListener) handleGetResumable(w http.ResponseWriter, req *http.Request) {
	c, ok := al.upgrades.Resumable()
	data := map[string]interface{}{"resumable": ok}
	if ok {
		data["checkpoint"] = c
	}
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(data))
}

func (al *APIListener) handleResumeUpgrade(w http.ResponseWriter, req *http.Request) {
	result, err := al.upgrades.Resume(req.Context())
	if err != nil {
		al.jsonErrorResponse(w, workflowErrorStatus(err), err)
		return
	}
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(result))
}

func (al *APIListener) handlePostReboot(w http.ResponseWriter, req *http.Request) {
	if err := al.upgrades.Reboot(req.Context()); err != nil {
		al.jsonErrorResponse(w, workflowErrorStatus(err), err)
		return
	}
	al.writeJSONResponse(w, http.StatusAccepted, api.NewSuccessPayload(map[string]string{
		"message": "reboot started",
	}))
}

func (al *APIListener) handleGetHistory(w http.ResponseWriter, req *http.Request) {
	if al.history == nil {
		al.jsonErrorResponseWithTitle(w, http.StatusNotImplemented, "upgrade history is not enabled")
		return
	}

	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			al.jsonErrorResponseWithTitle(w, http.StatusBadRequest, "invalid 'limit' query param")
			return
		}
	}

	attempts, err := al.history.List(limit)
	if err != nil {
		al.jsonErrorResponse(w, http.StatusInternalServerError, err)
		return
	}
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(attempts))
}

func (al *APIListener) handleGetHistoryAttempt(w http.ResponseWriter, req *http.Request) {
	if al.history == nil {
		al.jsonErrorResponseWithTitle(w, http.StatusNotImplemented, "upgrade history is not enabled")
		return
	}

	attempt, err := al.history.GetByID(mux.Vars(req)["attempt_id"])
	if err != nil {
		al.jsonErrorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if attempt == nil {
		al.jsonErrorResponseWithTitle(w, http.StatusNotFound, "unknown upgrade attempt")
		return
	}
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(attempt))
}

func workflowErrorStatus(err error) int {
	switch {
	case errors.Is(err, upgrade.ErrUpgradeInProgress):
		return http.StatusConflict
	case errors.Is(err, upgrade.ErrNoResumableUpgrade), errors.Is(err, upgrade.ErrNoRebootPending):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
