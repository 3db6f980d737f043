package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomrelay/internal/config"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/users"
)

// Events receives the lifecycle and inbound traffic of every connection.
type Events interface {
	Connect(ctx context.Context, connID string, identity *users.Identity) error
	Handle(ctx context.Context, connID string, raw []byte) error
	Disconnect(connID string)
}

// Gateway owns the live WebSocket clients. It registers and unregisters them
// from a single loop and delivers outbound frames by connection id.
type Gateway struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	events    Events
	ws        config.WebSocketConfig
	rateLimit config.RateLimitConfig
	log       zerolog.Logger
}

// NewGateway creates a Gateway. Bind must be called before Run.
func NewGateway(ws config.WebSocketConfig, rl config.RateLimitConfig, log zerolog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		ws:         ws,
		rateLimit:  rl,
		log:        log.With().Str("component", "gateway").Logger(),
	}
}

// Bind sets the event sink.
func (g *Gateway) Bind(events Events) {
	g.events = events
}

// Count returns the number of registered clients.
func (g *Gateway) Count() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.clients)
}

// Deliver queues frame for connID. A client whose buffer is full is dropped.
func (g *Gateway) Deliver(connID string, frame []byte) bool {
	g.mutex.RLock()
	client, ok := g.clients[connID]
	g.mutex.RUnlock()
	if !ok {
		return false
	}

	if g.safeSend(client, frame) {
		return true
	}

	if g.removeFailedClient(client) {
		// Deliver can be called with hub locks held, so cleanup runs apart.
		go g.events.Disconnect(connID)
	}
	return false
}

func (g *Gateway) safeSend(client *Client, frame []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Str(logging.FieldConnID, client.id).Msg("recovered in safeSend")
		}
	}()

	// The read lock keeps the send channel open for the duration of the send.
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if _, exists := g.clients[client.id]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// enqueue hands a freshly upgraded client to the loop. It fails once the
// gateway is shutting down.
func (g *Gateway) enqueue(client *Client) bool {
	select {
	case g.register <- client:
		return true
	case <-g.ctx.Done():
		return false
	}
}

// release hands a finished client back to the loop, or cleans up directly
// when the loop is gone.
func (g *Gateway) release(client *Client) {
	select {
	case g.unregister <- client:
	case <-g.ctx.Done():
		g.removeClient(client)
		g.events.Disconnect(client.id)
	}
}

// Run is the registration loop. It returns after Shutdown.
func (g *Gateway) Run() {
	defer close(g.done)

	for {
		select {
		case <-g.ctx.Done():
			g.shutdownClients()
			return

		case client := <-g.register:
			if client == nil {
				continue
			}
			g.addClient(client)

		case client := <-g.unregister:
			g.removeClient(client)
			g.events.Disconnect(client.id)
		}
	}
}

func (g *Gateway) addClient(client *Client) {
	g.mutex.Lock()
	g.clients[client.id] = client
	count := len(g.clients)
	g.mutex.Unlock()

	client.log.Info().Int("clients", count).Msg("client registered")

	// Connect before the read pump starts so no inbound event precedes it.
	if err := g.events.Connect(g.ctx, client.id, client.identity); err != nil {
		client.log.Error().Err(err).Msg("connect rejected")
		g.removeClient(client)
		_ = client.conn.Close()
		return
	}

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		client.writePump()
	}()
	go func() {
		defer g.wg.Done()
		client.readPump()
	}()
}

func (g *Gateway) removeClient(client *Client) {
	g.mutex.Lock()
	if _, ok := g.clients[client.id]; !ok {
		g.mutex.Unlock()
		return
	}
	delete(g.clients, client.id)
	client.closed = true
	count := len(g.clients)
	g.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	client.log.Info().Int("clients", count).Msg("client unregistered")
}

// removeFailedClient drops a client that cannot keep up. Closing its send
// channel makes the write pump close the socket, which ends the read pump.
// Reports whether this call removed it.
func (g *Gateway) removeFailedClient(client *Client) bool {
	g.mutex.Lock()
	if _, exists := g.clients[client.id]; !exists {
		g.mutex.Unlock()
		return false
	}
	delete(g.clients, client.id)
	client.closed = true
	g.mutex.Unlock()

	close(client.send)
	client.log.Warn().Msg("client removed due to full send buffer")
	return true
}

func (g *Gateway) shutdownClients() {
	g.mutex.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for _, client := range g.clients {
		clients = append(clients, client)
	}
	g.mutex.Unlock()

	for _, client := range clients {
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.log.Warn().Err(err).Msg("error closing client connection")
		}
	}

	g.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops the loop, closes every connection and waits for the pumps
// to exit or the timeout to pass.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.log.Info().Msg("initiating gateway shutdown")
	g.cancel()
	<-g.done

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info().Msg("gateway shutdown completed")
		return nil
	case <-time.After(timeout):
		g.log.Warn().Msg("gateway shutdown timeout reached, some pumps may still be running")
		return context.DeadlineExceeded
	}
}
