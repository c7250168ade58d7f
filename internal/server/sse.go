package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/seshat-ai/seshat/internal/events"
)

// sseWriteTimeout bounds a single client write so a stale connection
// cannot stall the broadcast fan-out.
const sseWriteTimeout = 2 * time.Second

// sseClient is one connected event-stream consumer.
type sseClient struct {
	id      string
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

// Broadcaster fans bus events out to connected SSE clients. It runs a
// pump goroutine subscribed to the global bus channel; per-session
// streams are served directly from per-session bus subscriptions.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*sseClient
	nextID  int

	writeTimeout time.Duration
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:      make(map[string]*sseClient),
		writeTimeout: sseWriteTimeout,
	}
}

// Run pumps bus events to connected clients until the subscription
// channel closes.
func (b *Broadcaster) Run(ch <-chan events.Event) {
	for ev := range ch {
		b.broadcast(ev)
	}
}

func (b *Broadcaster) addClient(w http.ResponseWriter) (*sseClient, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	c := &sseClient{
		id:      fmt.Sprintf("client-%d", b.nextID),
		writer:  w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
	b.clients[c.id] = c
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", c.id).Int("totalClients", total).Msg("SSE client connected")
	return c, nil
}

func (b *Broadcaster) removeClient(id string) {
	b.mu.Lock()
	c, exists := b.clients[id]
	if exists {
		delete(b.clients, id)
	}
	total := len(b.clients)
	b.mu.Unlock()

	if exists {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	log.Debug().Str("clientId", id).Int("totalClients", total).Msg("SSE client disconnected")
}

// broadcast writes one event to every client, reaping the ones whose
// writes fail or time out.
func (b *Broadcaster) broadcast(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", payload)

	b.mu.RLock()
	clients := make([]*sseClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	var (
		deadMu sync.Mutex
		dead   []string
	)
	var wg sync.WaitGroup
	for _, c := range clients {
		select {
		case <-c.done:
			continue
		default:
			wg.Add(1)
			go func(c *sseClient) {
				defer wg.Done()
				if !b.writeWithTimeout(c, message) {
					deadMu.Lock()
					dead = append(dead, c.id)
					deadMu.Unlock()
				}
			}(c)
		}
	}
	wg.Wait()

	for _, id := range dead {
		b.removeClient(id)
	}
}

// writeWithTimeout reports whether the client is still healthy. The
// result channel is buffered so a write that unblocks after the timeout
// completes its send and exits instead of leaking or panicking.
func (b *Broadcaster) writeWithTimeout(c *sseClient, message string) bool {
	result := make(chan error, 1)
	go func() {
		_, err := c.writer.Write([]byte(message))
		if err == nil {
			c.flusher.Flush()
		}
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Str("clientId", c.id).Err(err).Msg("SSE write failed, reaping client")
			return false
		}
		return true
	case <-time.After(b.writeTimeout):
		log.Warn().Str("clientId", c.id).Msg("SSE write timed out, reaping client")
		return false
	case <-c.done:
		return false
	}
}

// ClientCount returns the connected client count.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// handleGlobalEvents serves the all-sessions event stream.
func (s *Service) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	setSSEHeaders(w)

	c, err := s.broadcaster.addClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.broadcaster.removeClient(c.id)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"client_id\":%q}\n\n", c.id)
	c.flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-c.done:
	}
}

// handleSessionEvents serves one session's event stream straight from a
// per-session bus subscription.
func (s *Service) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := s.manager.GetInfo(id); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	ch, cancel := s.bus.SubscribeSession(id)
	defer cancel()

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"session_id\":%q}\n\n", id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}
