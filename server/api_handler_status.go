package server

import (
	"net/http"

	"github.com/panupd/panupd/server/api"
)

func (al *APIListener) handleGetStatus(w http.ResponseWriter, req *http.Request) {
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(al.upgrades.Status()))
}

func (al *APIListener) handleGetDeviceHealth(w http.ResponseWriter, req *http.Request) {
	if err := al.firewall.HealthCheck(req.Context()); err != nil {
		al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(map[string]interface{}{
			"healthy": false,
			"detail":  err.Error(),
		}))
		return
	}
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(map[string]interface{}{
		"healthy": true,
	}))
}

// handleHealthz reports the daemon's own liveness, not the firewall's.
func (al *APIListener) handleHealthz(w http.ResponseWriter, req *http.Request) {
	al.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (al *APIListener) handleGetVersions(w http.ResponseWriter, req *http.Request) {
	inventory, err := al.firewall.ListVersions(req.Context())
	if err != nil {
		al.jsonErrorResponseWithError(w, http.StatusBadGateway, "cannot read the software inventory", err)
		return
	}
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(inventory))
}

func (al *APIListener) handleRefreshVersions(w http.ResponseWriter, req *http.Request) {
	inventory, err := al.firewall.RefreshInventory(req.Context())
	if err != nil {
		al.jsonErrorResponseWithError(w, http.StatusBadGateway, "cannot refresh the software inventory", err)
		return
	}
	al.writeJSONResponse(w, http.StatusOK, api.NewSuccessPayload(inventory))
}
