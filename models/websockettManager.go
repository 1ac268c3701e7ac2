package models

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketManager handles WebSocket connections and broadcasts
type WebSocketManager struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager() *WebSocketManager {
	return &WebSocketManager{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Start begins the WebSocket manager
func (wsm *WebSocketManager) Start() {
	go func() {
		for {
			select {
			case <-wsm.done:
				wsm.mu.Lock()
				for client := range wsm.clients {
					client.Close()
					delete(wsm.clients, client)
				}
				wsm.mu.Unlock()
				return
			case client := <-wsm.register:
				wsm.mu.Lock()
				wsm.clients[client] = true
				n := len(wsm.clients)
				wsm.mu.Unlock()
				log.Debug().Int("clients", n).Msg("websocket client connected")
			case client := <-wsm.unregister:
				wsm.mu.Lock()
				if _, ok := wsm.clients[client]; ok {
					delete(wsm.clients, client)
					client.Close()
				}
				n := len(wsm.clients)
				wsm.mu.Unlock()
				log.Debug().Int("clients", n).Msg("websocket client disconnected")
			case message := <-wsm.broadcast:
				wsm.mu.Lock()
				for client := range wsm.clients {
					if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
						log.Warn().Err(err).Msg("failed to send websocket message")
						client.Close()
						delete(wsm.clients, client)
					}
				}
				wsm.mu.Unlock()
			}
		}
	}()
}

// Stop closes every client and ends the broadcast loop
func (wsm *WebSocketManager) Stop() {
	close(wsm.done)
}

// BroadcastJobUpdate sends a job update to all connected clients
func (wsm *WebSocketManager) BroadcastJobUpdate(job *Job) {
	update := map[string]interface{}{
		"type":             "job_update",
		"job_id":           job.ID,
		"status":           job.Status,
		"current_step":     job.CurrentStep,
		"progress_percent": job.ProgressPercent,
		"timestamp":        job.UpdatedAt.Format(time.RFC3339),
	}

	if job.Status == StatusFailed && job.ErrorMessage != "" {
		update["error"] = job.ErrorMessage
	}

	wsm.send(update)
}

// BroadcastProgress sends a progress snapshot for a job to all connected clients
func (wsm *WebSocketManager) BroadcastProgress(jobID string, snapshot interface{}) {
	wsm.send(map[string]interface{}{
		"type":     "progress",
		"job_id":   jobID,
		"progress": snapshot,
	})
}

func (wsm *WebSocketManager) send(payload map[string]interface{}) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal websocket payload")
		return
	}

	select {
	case wsm.broadcast <- jsonData:
	case <-wsm.done:
	default:
		log.Warn().Msg("websocket broadcast buffer full, dropping update")
	}
}

// RegisterClient registers a new WebSocket client. After Stop the
// connection is closed instead.
func (wsm *WebSocketManager) RegisterClient(conn *websocket.Conn) {
	select {
	case wsm.register <- conn:
	case <-wsm.done:
		conn.Close()
	}
}

// UnregisterClient unregisters a WebSocket client
func (wsm *WebSocketManager) UnregisterClient(conn *websocket.Conn) {
	select {
	case wsm.unregister <- conn:
	case <-wsm.done:
	}
}

// Clients returns the number of connected clients
func (wsm *WebSocketManager) Clients() int {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	return len(wsm.clients)
}
