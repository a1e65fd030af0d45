package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/mailbox-relay/pkg/metrics"
	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

// ErrServerClosed is returned by Serve after Stop
var ErrServerClosed = errors.New("relay: server closed")

// Config holds the reactor settings
type Config struct {
	Addr           string        // Listen address, e.g. ":1357"
	MaxPayloadSize uint32        // Largest accepted request payload; 0 means protocol.DefaultMaxPayloadSize
	IdleTimeout    time.Duration // Close connections silent for this long; 0 disables
	WriteTimeout   time.Duration // Deadline for writing one response; 0 disables
	Metrics        *metrics.Metrics
}

// Stats is a point-in-time view of the reactor
type Stats struct {
	OpenConnections  int
	TotalConnections uint64
	RequestsServed   uint64
	StartedAt        time.Time
	Uptime           time.Duration
}

// Server accepts client connections and serves their requests through a
// single loop, so no two requests are ever dispatched at the same time.
type Server struct {
	cfg        Config
	dispatcher *Dispatcher
	logger     zerolog.Logger

	listener net.Listener
	jobs     chan *job
	conns    map[*conn]struct{}
	mu       sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	startTime time.Time
	accepted  atomic.Uint64
	served    atomic.Uint64
}

// job is one frame waiting for the serving loop. The loop only dispatches;
// the connection's own goroutine writes the response, so a client that
// stops reading never holds up anyone else.
type job struct {
	req  *protocol.Request
	done chan *protocol.Response
}

// NewServer creates a server; call Start or Serve to begin accepting
func NewServer(cfg Config, dispatcher *Dispatcher, logger zerolog.Logger) *Server {
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = protocol.DefaultMaxPayloadSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		jobs:       make(chan *job),
		conns:      make(map[*conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
}

// Start listens on cfg.Addr and serves in the background. The server stops
// when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			s.logger.Error().Err(err).Msg("relay server stopped")
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()

	return nil
}

// Serve accepts connections on ln until Stop is called. It always returns
// a non-nil error; ErrServerClosed after a clean Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Uint8("version", s.dispatcher.version).
		Msg("relay server listening")

	go s.serveLoop()

	return s.acceptLoop(ln)
}

// Stop closes the listener and every open connection, then waits for the
// serving loop and connection readers to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		if s.listener != nil {
			err = s.listener.Close()
		}
		for c := range s.conns {
			c.netConn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.logger.Info().Uint64("requests_served", s.served.Load()).Msg("relay server stopped")
	})
	return err
}

// Addr returns the listen address, or nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns connection and request counters
func (s *Server) Stats() Stats {
	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()

	return Stats{
		OpenConnections:  open,
		TotalConnections: s.accepted.Load(),
		RequestsServed:   s.served.Load(),
		StartedAt:        s.startTime,
		Uptime:           time.Since(s.startTime),
	}
}

// serveLoop is the only place requests are dispatched
func (s *Server) serveLoop() {
	defer s.wg.Done()

	for {
		select {
		case j := <-s.jobs:
			resp := s.dispatcher.Dispatch(s.ctx, j.req)
			s.served.Add(1)
			j.done <- resp
		case <-s.ctx.Done():
			return
		}
	}
}

// submit hands a frame to the serving loop and waits for its response
func (s *Server) submit(req *protocol.Request) (*protocol.Response, error) {
	j := &job{req: req, done: make(chan *protocol.Response, 1)}

	select {
	case s.jobs <- j:
	case <-s.ctx.Done():
		return nil, ErrServerClosed
	}

	select {
	case resp := <-j.done:
		return resp, nil
	case <-s.ctx.Done():
		return nil, ErrServerClosed
	}
}

// write sends one complete response on c, bounded by WriteTimeout
func (s *Server) write(c *conn, resp *protocol.Response) error {
	if s.cfg.WriteTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := protocol.WriteResponse(c.netConn, resp); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// track registers c and reserves its reader in the wait group; false once
// the server is stopping
func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
