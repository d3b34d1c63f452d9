package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"copytrade-relay/internal/notifier"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var liveTopics = []notifier.Topic{
	notifier.TopicSupervisorState,
	notifier.TopicMasterEvent,
	notifier.TopicIntentDropped,
	notifier.TopicOrderDispatched,
	notifier.TopicOrderFailed,
	notifier.TopicPositionStable,
	notifier.TopicPnLReport,
	notifier.TopicManualClose,
	notifier.TopicNetworkSession,
}

// websocket streams every notifier.Bus topic as newline-delimited JSON, for
// the operator dashboard's live log feed.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Notifier == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"notifier not ready"}`))
		return
	}

	merged := make(chan any, 256)
	var unsubs []func()
	for _, topic := range liveTopics {
		ch, unsub := s.Notifier.Subscribe(topic, 64)
		unsubs = append(unsubs, unsub)
		go func(topic notifier.Topic, ch <-chan any) {
			for v := range ch {
				select {
				case merged <- gin.H{"topic": topic, "payload": v}:
				default:
				}
			}
		}(topic, ch)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	for msg := range merged {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
