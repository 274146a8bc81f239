package server

import (
	"net/http"

	"github.com/panupd/panupd/share/ws"
)

// wsUpgradeProgress streams workflow progress events to the client. A status
// snapshot is sent first so late subscribers see the current state.
func (al *APIListener) wsUpgradeProgress(w http.ResponseWriter, req *http.Request) {
	conn, err := al.wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		al.Errorf("failed to establish WS connection: %v", err)
		return
	}
	sock := ws.NewConcurrentWebSocket(conn, al.Logger)
	defer sock.Close()

	events, unsubscribe := al.upgrades.Subscribe()
	defer unsubscribe()

	if err := sock.WriteJSON(al.upgrades.Status()); err != nil {
		return
	}

	clientGone := make(chan struct{})
	go func() {
		// the read pump only exists to notice the client closing
		defer close(clientGone)
		for {
			if _, _, err := sock.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sock.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
