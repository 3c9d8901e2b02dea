package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by project name.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with project identifier.
type message struct {
	projectName string
	payload     []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	projectName string
	client      Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectName]; !ok {
				h.clients[sub.projectName] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectName][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.projectName]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.projectName)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.projectName]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.projectName)
				}
			}
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectName string, client Subscriber) {
	h.register <- subscription{projectName: projectName, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectName string, client Subscriber) {
	h.unreg <- subscription{projectName: projectName, client: client}
}

// Broadcast sends payload to all project clients.
func (h *Hub) Broadcast(projectName string, payload []byte) {
	h.broadcast <- message{projectName: projectName, payload: payload}
}
