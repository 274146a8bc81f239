package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/panupd/panupd/server/history"
	"github.com/panupd/panupd/server/upgrade"
	"github.com/panupd/panupd/share"
	"github.com/panupd/panupd/share/logger"
	"github.com/panupd/panupd/share/models"
)

// FirewallAPI is the device surface the REST API exposes on top of what the
// upgrade workflow needs. *panos.Client satisfies it.
type FirewallAPI interface {
	upgrade.Firewall
	RefreshInventory(ctx context.Context) (*models.VersionInventory, error)
}

// HistoryLister reads the recorded upgrade attempts.
type HistoryLister interface {
	List(limit int) ([]*history.Attempt, error)
	GetByID(id string) (*history.Attempt, error)
}

type APIListener struct {
	*logger.Logger

	config     *Config
	router     *mux.Router
	httpServer *share.HTTPServer
	upgrades   *upgrade.Orchestrator
	firewall   FirewallAPI
	history    HistoryLister
	wsUpgrader websocket.Upgrader
}

func NewAPIListener(
	config *Config,
	firewall FirewallAPI,
	upgrades *upgrade.Orchestrator,
	hist HistoryLister,
	l *logger.Logger,
) *APIListener {
	var serverOptions []share.ServerOption
	if config.API.CertFile != "" && config.API.KeyFile != "" {
		serverOptions = append(serverOptions, share.WithTLS(config.API.CertFile, config.API.KeyFile, nil))
	}

	al := &APIListener{
		Logger:     l.Fork("api-listener"),
		config:     config,
		httpServer: share.NewHTTPServer(l, serverOptions...),
		upgrades:   upgrades,
		firewall:   firewall,
		history:    hist,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	al.initRouter()
	return al
}

func (al *APIListener) Start() error {
	if al.config.API.Address == "" {
		al.Infof("API address not set, API disabled")
		return nil
	}

	var handler http.Handler = al.router
	if len(al.config.API.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: al.config.API.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"*"},
		}).Handler(handler)
		// the ws handshake carries an Origin header too
		al.wsUpgrader.CheckOrigin = al.wsOriginAllowed
	}

	al.Infof("API listening on %s", al.config.API.Address)
	return al.httpServer.GoListenAndServe(al.config.API.Address, handler)
}

func (al *APIListener) wsOriginAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range al.config.API.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (al *APIListener) Close() error {
	if al.config.API.Address == "" {
		return nil
	}
	return al.httpServer.Close()
}

func (al *APIListener) Wait() error {
	if al.config.API.Address == "" {
		return nil
	}
	return al.httpServer.Wait()
}
