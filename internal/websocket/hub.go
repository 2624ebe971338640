package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/model"
)

const (
	sendBuffer      = 64
	broadcastBuffer = 256
	pingInterval    = 30 * time.Second
)

// Client is one websocket subscriber to a job.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// BroadcastMessage is a payload for every subscriber of a job.
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// JobLookup returns the current record of a job.
type JobLookup func(ctx context.Context, id string) (model.Job, error)

// Hub fans job changes out to websocket subscribers. It implements
// jobs.Notifier.
type Hub struct {
	// Clients grouped by job ID
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	lookup     JobLookup
	logger     *zap.Logger
}

func NewHub(lookup JobLookup, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, broadcastBuffer),
		done:       make(chan struct{}),
		lookup:     lookup,
		logger:     logger,
	}
}

// Run owns the subscriber table until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.logger.Debug("websocket client registered", zap.String("job_id", client.JobID))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.logger.Warn("dropping slow websocket client", zap.String("job_id", msg.JobID))
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
	h.logger.Debug("websocket client unregistered", zap.String("job_id", client.JobID))
}

// Register adds a subscriber. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// JobChanged queues the job's current state for its subscribers. It never
// blocks the caller; when the queue is full the update is dropped and the
// next one carries the newer state.
func (h *Hub) JobChanged(job model.Job) {
	data, err := json.Marshal(messageFor(job))
	if err != nil {
		h.logger.Error("marshal websocket message", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: job.ID, Message: data}:
	default:
		h.logger.Debug("websocket broadcast queue full", zap.String("job_id", job.ID))
	}
}

func messageFor(job model.Job) interface{} {
	switch job.Status {
	case model.JobStatusCompleted:
		return model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  job.ID,
			Result: model.NewStatusResponse(job),
		}
	case model.JobStatusFailed:
		return model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			Error: model.WSError{Code: "JOB_FAILED", Message: job.Error},
		}
	default:
		return model.WSProgressMessage{
			Type:     model.WSMessageTypeProgress,
			JobID:    job.ID,
			Progress: job.Progress,
			Status:   job.Status,
			Message:  job.Message,
		}
	}
}

// HandleConnection serves one subscriber until the connection closes. The
// job's current state is sent first.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, sendBuffer),
	}

	if h.lookup != nil {
		if job, err := h.lookup(context.Background(), jobID); err == nil {
			if data, err := json.Marshal(messageFor(job)); err == nil {
				client.Send <- data
			}
		}
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	pongs := make(chan []byte, 1)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case message := <-pongs:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("job_id", jobID), zap.Error(err))
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case pongs <- data:
			default:
			}
		}
	}
}
