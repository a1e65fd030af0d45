package relay

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

// conn is one accepted client connection
type conn struct {
	id      ulid.ULID
	netConn net.Conn
	logger  zerolog.Logger
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn().Err(err).Msg("accept timeout")
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		c := &conn{id: ulid.Make(), netConn: netConn}
		c.logger = s.logger.With().
			Str("conn", c.id.String()).
			Str("remote", netConn.RemoteAddr().String()).
			Logger()

		if !s.track(c) {
			netConn.Close()
			return ErrServerClosed
		}

		s.accepted.Add(1)
		if m := s.cfg.Metrics; m != nil {
			m.ConnectionsTotal.Inc()
			m.ConnectionsOpen.Inc()
		}

		go s.handleConnection(c)
	}
}

// handleConnection reads frames from one client until it disconnects. Each
// frame is answered before the next one is read.
func (s *Server) handleConnection(c *conn) {
	defer s.wg.Done()
	defer func() {
		c.netConn.Close()
		s.untrack(c)
		if m := s.cfg.Metrics; m != nil {
			m.ConnectionsOpen.Dec()
		}
	}()

	c.logger.Debug().Msg("connection opened")

	for {
		if s.cfg.IdleTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		req, err := protocol.ReadRequest(c.netConn, s.cfg.MaxPayloadSize)
		if err != nil {
			if errors.Is(err, protocol.ErrPayloadTooLarge) {
				// The oversized payload is still on the wire; the stream
				// cannot be resynchronised after answering.
				c.logger.Warn().Err(err).Str("code", req.Header.Code.String()).Msg("rejecting oversized request")
				s.write(c, s.dispatcher.errorResponse())
				return
			}
			s.logReadError(c, err)
			return
		}

		resp, err := s.submit(req)
		if err != nil {
			return
		}

		if err := s.write(c, resp); err != nil {
			if s.ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("closing connection")
			}
			return
		}
	}
}

func (s *Server) logReadError(c *conn, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.logger.Debug().Msg("connection closed by client")
	case s.ctx.Err() != nil:
		// shutting down
	case errors.As(err, &ne) && ne.Timeout():
		c.logger.Info().Dur("idle_timeout", s.cfg.IdleTimeout).Msg("closing idle connection")
	default:
		c.logger.Warn().Err(err).Msg("read error")
	}
}
