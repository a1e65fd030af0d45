package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/mailbox-relay/pkg/crypto"
	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
	"github.com/ZentaChain/mailbox-relay/pkg/storage"
)

const storeTimeout = 5 * time.Second

// StatsResponse is the body of GET /api/v1/stats
type StatsResponse struct {
	OpenConnections   int       `json:"openConnections"`
	TotalConnections  uint64    `json:"totalConnections"`
	RequestsServed    uint64    `json:"requestsServed"`
	PendingMessages   int       `json:"pendingMessages"`
	RegisteredClients int       `json:"registeredClients"`
	StartedAt         time.Time `json:"startedAt"`
	UptimeSeconds     float64   `json:"uptimeSeconds"`
}

// ClientInfo describes one directory entry
type ClientInfo struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Fingerprint string    `json:"fingerprint"`
	LastSeen    time.Time `json:"lastSeen"`
}

// ClientsResponse is the body of GET /api/v1/clients
type ClientsResponse struct {
	Count   int          `json:"count"`
	Clients []ClientInfo `json:"clients"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("health check: store unreachable")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	pending, err := s.store.Pending(ctx)
	if err != nil {
		s.storeFailure(c, err)
		return
	}
	clients, err := s.store.Count(ctx)
	if err != nil {
		s.storeFailure(c, err)
		return
	}

	resp := StatsResponse{
		PendingMessages:   pending,
		RegisteredClients: clients,
	}
	if s.relay != nil {
		st := s.relay.Stats()
		resp.OpenConnections = st.OpenConnections
		resp.TotalConnections = st.TotalConnections
		resp.RequestsServed = st.RequestsServed
		resp.StartedAt = st.StartedAt
		resp.UptimeSeconds = st.Uptime.Seconds()
	}

	c.JSON(http.StatusOK, resp)
}

// handleClients handles GET /api/v1/clients
func (s *Server) handleClients(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	// the zero id is never assigned, so nothing is excluded
	summaries, err := s.store.List(ctx, protocol.ClientID{})
	if err != nil {
		s.storeFailure(c, err)
		return
	}

	infos := make([]ClientInfo, 0, len(summaries))
	for _, summary := range summaries {
		record, err := s.store.Lookup(ctx, summary.ID)
		if err != nil {
			s.storeFailure(c, err)
			return
		}
		infos = append(infos, clientInfo(record))
	}

	c.JSON(http.StatusOK, ClientsResponse{Count: len(infos), Clients: infos})
}

// handleClient handles GET /api/v1/clients/:id
func (s *Server) handleClient(c *gin.Context) {
	id, err := protocol.ParseClientID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid client id",
			Message: "Client id must be 32 hex characters",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	record, err := s.store.Lookup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Client not found"})
		return
	}
	if err != nil {
		s.storeFailure(c, err)
		return
	}

	c.JSON(http.StatusOK, clientInfo(record))
}

func clientInfo(record *storage.ClientRecord) ClientInfo {
	return ClientInfo{
		ID:          record.ID.String(),
		Username:    record.Username,
		Fingerprint: crypto.Fingerprint(record.PublicKey),
		LastSeen:    record.LastSeen.UTC(),
	}
}

func (s *Server) storeFailure(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("admin request failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "Store error",
		Message: err.Error(),
	})
}
