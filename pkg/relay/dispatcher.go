// Package relay serves the mailbox wire protocol: the Dispatcher turns one
// request frame into one response frame against a storage.Store, and the
// Server accepts TCP connections and feeds it frames one at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/mailbox-relay/pkg/crypto"
	"github.com/ZentaChain/mailbox-relay/pkg/metrics"
	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
	"github.com/ZentaChain/mailbox-relay/pkg/storage"
)

var (
	ErrUnknownRecipient   = errors.New("unknown recipient")
	ErrUnknownRequestCode = errors.New("unknown request code")
	ErrInvalidUsername    = protocol.ErrInvalidUsername
)

// maxIDAttempts bounds retries when a generated client id is already taken
const maxIDAttempts = 8

// IDGenerator produces candidate client ids for registration
type IDGenerator func() (protocol.ClientID, error)

// RandomID returns a random (version 4) UUID as a client id
func RandomID() (protocol.ClientID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return protocol.ClientID{}, err
	}
	return protocol.ClientID(u), nil
}

// Dispatcher handles decoded requests. It keeps no state between requests;
// everything lives in the store.
type Dispatcher struct {
	store         storage.Store
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	newID         IDGenerator
	version       uint8
	strictContent bool
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger; the default discards everything
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics records request and mailbox counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithIDGenerator replaces RandomID
func WithIDGenerator(gen IDGenerator) Option {
	return func(d *Dispatcher) { d.newID = gen }
}

// WithVersion sets the version byte stamped on every response
func WithVersion(v uint8) Option {
	return func(d *Dispatcher) { d.version = v }
}

// WithStrictContent rejects send-message requests whose declared content
// size differs from the bytes that follow the send-message header.
func WithStrictContent(strict bool) Option {
	return func(d *Dispatcher) { d.strictContent = strict }
}

// NewDispatcher creates a dispatcher over store
func NewDispatcher(store storage.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		logger:  zerolog.Nop(),
		newID:   RandomID,
		version: protocol.ServerVersion,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleFrame decodes a raw request frame and dispatches it. A frame that
// cannot be decoded gets the error response.
func (d *Dispatcher) HandleFrame(ctx context.Context, raw []byte) *protocol.Response {
	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		d.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("undecodable frame")
		d.observeError(err)
		return d.errorResponse()
	}
	return d.Dispatch(ctx, req)
}

// Dispatch handles one request and always returns a response. Every failure
// becomes the error response (code 9000, empty payload).
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	code := req.Header.Code
	log := d.logger.With().
		Str("client", req.Header.ClientID.String()).
		Str("code", code.String()).
		Logger()

	// Activity is tracked before the payload is validated, so malformed
	// requests from known clients still count as seen.
	if code != protocol.RequestRegister {
		if err := d.store.Touch(ctx, req.Header.ClientID); err != nil {
			log.Warn().Err(err).Msg("failed to update last seen")
		}
	}

	resp, err := d.handle(ctx, req, log)

	if d.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		d.metrics.RequestsTotal.WithLabelValues(code.String(), result).Inc()
		d.metrics.RequestDuration.WithLabelValues(code.String()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		d.logFailure(log, err)
		d.observeError(err)
		return d.errorResponse()
	}

	resp.Header.Version = d.version
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, req *protocol.Request, log zerolog.Logger) (*protocol.Response, error) {
	switch req.Header.Code {
	case protocol.RequestRegister:
		return d.handleRegister(ctx, req, log)
	case protocol.RequestClientsList:
		return d.handleClientsList(ctx, req)
	case protocol.RequestPublicKey:
		return d.handlePublicKey(ctx, req)
	case protocol.RequestSendMessage:
		return d.handleSendMessage(ctx, req, log)
	case protocol.RequestPullMessages:
		return d.handlePullMessages(ctx, req, log)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownRequestCode, uint16(req.Header.Code))
	}
}

func (d *Dispatcher) handleRegister(ctx context.Context, req *protocol.Request, log zerolog.Logger) (*protocol.Response, error) {
	var reg protocol.RegistrationRequest
	if err := reg.Decode(req.Payload); err != nil {
		return nil, err
	}

	username := reg.Username()
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}

	taken, err := d.store.UsernameExists(ctx, username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %q", storage.ErrDuplicateUsername, username)
	}

	id, err := d.freshID(ctx)
	if err != nil {
		return nil, err
	}

	if err := d.store.Register(ctx, id, username, reg.PublicKey); err != nil {
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.ClientsRegistered.Inc()
	}
	log.Info().
		Str("username", username).
		Str("id", id.String()).
		Str("key", crypto.ShortFingerprint(reg.PublicKey)).
		Msg("registered client")

	success := protocol.RegistrationSuccess{ClientID: id}
	return protocol.NewResponse(protocol.ResponseRegistrationSuccess, success.Encode()), nil
}

// freshID draws ids until one is not already registered
func (d *Dispatcher) freshID(ctx context.Context) (protocol.ClientID, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := d.newID()
		if err != nil {
			return protocol.ClientID{}, fmt.Errorf("failed to generate client id: %w", err)
		}
		exists, err := d.store.Exists(ctx, id)
		if err != nil {
			return protocol.ClientID{}, err
		}
		if !exists {
			return id, nil
		}
	}
	return protocol.ClientID{}, fmt.Errorf("%w: no free id after %d attempts", storage.ErrDuplicateID, maxIDAttempts)
}

func (d *Dispatcher) handleClientsList(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	clients, err := d.store.List(ctx, req.Header.ClientID)
	if err != nil {
		return nil, err
	}

	entries := make([]protocol.ClientEntry, 0, len(clients))
	for _, c := range clients {
		name, err := protocol.PackUsername(c.Username)
		if err != nil {
			return nil, err
		}
		entries = append(entries, protocol.ClientEntry{ClientID: c.ID, Name: name})
	}

	return protocol.NewResponse(protocol.ResponseClientsList, protocol.EncodeClientList(entries)), nil
}

func (d *Dispatcher) handlePublicKey(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var pk protocol.PublicKeyRequest
	if err := pk.Decode(req.Payload); err != nil {
		return nil, err
	}

	rec, err := d.store.Lookup(ctx, pk.ClientID)
	if err != nil {
		return nil, err
	}

	out := protocol.PublicKeyResponse{ClientID: rec.ID, PublicKey: rec.PublicKey}
	return protocol.NewResponse(protocol.ResponsePublicKey, out.Encode()), nil
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, req *protocol.Request, log zerolog.Logger) (*protocol.Response, error) {
	var msg protocol.SendMessageRequest
	if err := msg.Decode(req.Payload); err != nil {
		return nil, err
	}

	if d.strictContent && int(msg.ContentSize) != len(msg.Content) {
		return nil, fmt.Errorf("%w: declared content size %d, got %d bytes",
			protocol.ErrMalformedFrame, msg.ContentSize, len(msg.Content))
	}

	exists, err := d.store.Exists(ctx, msg.ClientID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.ClientID)
	}

	msgID, err := d.store.Enqueue(ctx, msg.ClientID, req.Header.ClientID, msg.Type, msg.Content)
	if err != nil {
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.MessagesQueued.WithLabelValues(msg.Type.String()).Inc()
	}
	log.Debug().
		Str("to", msg.ClientID.String()).
		Uint32("message_id", msgID).
		Str("type", msg.Type.String()).
		Int("bytes", len(msg.Content)).
		Msg("queued message")

	sent := protocol.MessageSent{ClientID: msg.ClientID, MessageID: msgID}
	return protocol.NewResponse(protocol.ResponseMessageSent, sent.Encode()), nil
}

// handlePullMessages drains the requester's mailbox. Messages are deleted
// only after the response payload is complete; a failed delete leaves them
// queued and answers with the error response.
func (d *Dispatcher) handlePullMessages(ctx context.Context, req *protocol.Request, log zerolog.Logger) (*protocol.Response, error) {
	queued, err := d.store.Drain(ctx, req.Header.ClientID)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return protocol.NewResponse(protocol.ResponsePullMessages, nil), nil
	}

	pulled := make([]protocol.PulledMessage, len(queued))
	ids := make([]uint32, len(queued))
	for i, m := range queued {
		pulled[i] = protocol.PulledMessage{
			From:      m.From,
			MessageID: m.ID,
			Type:      m.Type,
			Content:   m.Content,
		}
		ids[i] = m.ID
	}
	payload := protocol.EncodePulledMessages(pulled)

	if err := d.store.DeleteBatch(ctx, ids); err != nil {
		return nil, fmt.Errorf("failed to delete delivered messages: %w", err)
	}

	if d.metrics != nil {
		d.metrics.MessagesDelivered.Add(float64(len(ids)))
	}
	log.Debug().Int("count", len(ids)).Msg("delivered messages")

	return protocol.NewResponse(protocol.ResponsePullMessages, payload), nil
}

func (d *Dispatcher) errorResponse() *protocol.Response {
	resp := protocol.ErrorResponse()
	resp.Header.Version = d.version
	return resp
}

// logFailure logs client mistakes at warn and everything else at error
func (d *Dispatcher) logFailure(log zerolog.Logger, err error) {
	if errorReason(err) == "store" {
		log.Error().Err(err).Msg("request failed")
		return
	}
	log.Warn().Err(err).Msg("request rejected")
}

func (d *Dispatcher) observeError(err error) {
	if d.metrics != nil {
		d.metrics.ErrorsTotal.WithLabelValues(errorReason(err)).Inc()
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, protocol.ErrInvalidUsername):
		return "invalid_username"
	case errors.Is(err, storage.ErrDuplicateUsername):
		return "duplicate_username"
	case errors.Is(err, ErrUnknownRecipient):
		return "unknown_recipient"
	case errors.Is(err, ErrUnknownRequestCode):
		return "unknown_code"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "store"
	}
}
