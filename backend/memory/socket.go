package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rbaliyan/inbox/backend"
)

var _ backend.Socket = (*Socket)(nil)

// Socket is an in-process push connection to a Server.
type Socket struct {
	server *Server

	mu         sync.Mutex
	open       bool
	subscribed bool
	connects   int
	subscribes int
	onMessage  map[string]func(backend.Envelope)
	onClose    map[string]func(error)

	deliverMu sync.Mutex
}

// Socket returns a new, closed connection to the server.
func (s *Server) Socket() *Socket {
	return &Socket{
		server:    s,
		onMessage: make(map[string]func(backend.Envelope)),
		onClose:   make(map[string]func(error)),
	}
}

// FailConnects makes the next connect attempts fail with the given errors,
// one error per attempt.
func (s *Server) FailConnects(errs ...error) {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()
	s.connErr = append(s.connErr, errs...)
}

// Push delivers env to every open, subscribed socket.
func (s *Server) Push(env backend.Envelope) {
	s.hubMu.Lock()
	targets := make([]*Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		targets = append(targets, sock)
	}
	s.hubMu.Unlock()

	for _, sock := range targets {
		sock.deliver(env)
	}
}

// DropAll closes every open socket as if the network failed.
func (s *Server) DropAll(err error) {
	s.hubMu.Lock()
	targets := make([]*Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		targets = append(targets, sock)
	}
	s.hubMu.Unlock()

	for _, sock := range targets {
		sock.Drop(err)
	}
}

// Connect opens the socket.
func (c *Socket) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srv := c.server
	srv.hubMu.Lock()
	if len(srv.connErr) > 0 {
		err := srv.connErr[0]
		srv.connErr = srv.connErr[1:]
		srv.hubMu.Unlock()
		c.mu.Lock()
		c.connects++
		c.mu.Unlock()
		return err
	}
	srv.sockets[c] = struct{}{}
	srv.hubMu.Unlock()

	c.mu.Lock()
	c.open = true
	c.subscribed = false
	c.connects++
	c.mu.Unlock()
	return nil
}

// SendSubscribe subscribes the socket to pushes.
func (c *Socket) SendSubscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return backend.ErrSocketClosed
	}
	c.subscribed = true
	c.subscribes++
	return nil
}

// Close closes the socket deliberately.
func (c *Socket) Close() error {
	c.shutdown(nil)
	return nil
}

// Drop closes the socket as an unexpected failure.
func (c *Socket) Drop(err error) {
	if err == nil {
		err = backend.ErrUnavailable
	}
	c.shutdown(err)
}

func (c *Socket) shutdown(err error) {
	c.server.hubMu.Lock()
	delete(c.server.sockets, c)
	c.server.hubMu.Unlock()

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.subscribed = false
	listeners := make([]func(error), 0, len(c.onClose))
	for _, fn := range c.onClose {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// IsOpen reports whether the socket is open.
func (c *Socket) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Connects returns how many connect attempts were made.
func (c *Socket) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Subscribes returns how many subscribe requests were accepted.
func (c *Socket) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *Socket) AddMessageEventListener(fn func(backend.Envelope)) func() {
	id := uuid.NewString()
	c.mu.Lock()
	c.onMessage[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onMessage, id)
		c.mu.Unlock()
	}
}

func (c *Socket) AddCloseListener(fn func(error)) func() {
	id := uuid.NewString()
	c.mu.Lock()
	c.onClose[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onClose, id)
		c.mu.Unlock()
	}
}

// deliver hands env to the listeners. deliverMu keeps arrival order when
// several goroutines push at once.
func (c *Socket) deliver(env backend.Envelope) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if !c.open || !c.subscribed {
		c.mu.Unlock()
		return
	}
	listeners := make([]func(backend.Envelope), 0, len(c.onMessage))
	for _, fn := range c.onMessage {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(env)
	}
}
