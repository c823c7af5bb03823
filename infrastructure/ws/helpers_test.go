package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
)

func httpHandlerFunc(fn func(*websocket.Conn), upgrader *websocket.Upgrader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	})
}
