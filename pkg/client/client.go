// Package client speaks the relay wire protocol from the client side.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrNotRegistered      = errors.New("client has no id; register first")
	ErrRequestRejected    = errors.New("request rejected by relay")
	ErrUnexpectedResponse = errors.New("unexpected response code")
)

// Version is the protocol version byte sent in request headers
const Version uint8 = 2

// Client is one connection to a relay. Requests are strictly
// request/response, so calls are serialised.
type Client struct {
	conn       net.Conn
	addr       string
	id         protocol.ClientID
	username   string
	maxPayload uint32

	mu sync.Mutex
}

// Dial connects to the relay at addr
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", addr, err)
	}
	c := New(conn)
	c.addr = addr
	return c, nil
}

// New wraps an established connection
func New(conn net.Conn) *Client {
	return &Client{
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		maxPayload: protocol.DefaultMaxPayloadSize,
	}
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ID returns the client id assigned at registration
func (c *Client) ID() protocol.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Username returns the name this client registered with, if any
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// SetIdentity resumes a previously registered identity
func (c *Client) SetIdentity(id protocol.ClientID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.username = username
}

// RelayAddress returns the address of the connected relay
func (c *Client) RelayAddress() string {
	return c.addr
}

// Do sends one request under the client's id and returns the raw response
func (c *Client) Do(ctx context.Context, code protocol.RequestCode, payload []byte) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTrip(ctx, code, payload)
}

func (c *Client) roundTrip(ctx context.Context, code protocol.RequestCode, payload []byte) (*protocol.Response, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// zero deadline clears any previous one
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	req := protocol.NewRequest(c.id, Version, code, payload)
	if err := protocol.WriteRequest(c.conn, req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", code, err)
	}

	resp, err := protocol.ReadResponse(c.conn, c.maxPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", code, err)
	}
	return resp, nil
}

// call performs a round trip and checks the response code
func (c *Client) call(ctx context.Context, code protocol.RequestCode, payload []byte, want protocol.ResponseCode) (*protocol.Response, error) {
	resp, err := c.roundTrip(ctx, code, payload)
	if err != nil {
		return nil, err
	}
	return resp, expect(resp, want)
}

func expect(resp *protocol.Response, want protocol.ResponseCode) error {
	switch resp.Header.Code {
	case want:
		return nil
	case protocol.ResponseError:
		return ErrRequestRejected
	default:
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedResponse, resp.Header.Code, want)
	}
}

// Register claims a username and stores the assigned id on the client
func (c *Client) Register(ctx context.Context, username string, key protocol.PublicKey) (protocol.ClientID, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return protocol.ClientID{}, err
	}
	name, err := protocol.PackUsername(username)
	if err != nil {
		return protocol.ClientID{}, err
	}
	reg := protocol.RegistrationRequest{Name: name, PublicKey: key}

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.call(ctx, protocol.RequestRegister, reg.Encode(), protocol.ResponseRegistrationSuccess)
	if err != nil {
		return protocol.ClientID{}, err
	}

	var success protocol.RegistrationSuccess
	if err := success.Decode(resp.Payload); err != nil {
		return protocol.ClientID{}, err
	}

	c.id = success.ClientID
	c.username = username
	return success.ClientID, nil
}

// ClientsList returns every other registered client
func (c *Client) ClientsList(ctx context.Context) ([]protocol.ClientEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.call(ctx, protocol.RequestClientsList, nil, protocol.ResponseClientsList)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeClientList(resp.Payload)
}

// PublicKey fetches the public key of another client
func (c *Client) PublicKey(ctx context.Context, id protocol.ClientID) (protocol.PublicKey, error) {
	req := protocol.PublicKeyRequest{ClientID: id}

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.call(ctx, protocol.RequestPublicKey, req.Encode(), protocol.ResponsePublicKey)
	if err != nil {
		return protocol.PublicKey{}, err
	}

	var out protocol.PublicKeyResponse
	if err := out.Decode(resp.Payload); err != nil {
		return protocol.PublicKey{}, err
	}
	if out.ClientID != id {
		return protocol.PublicKey{}, fmt.Errorf("%w: key for %s, asked for %s", ErrUnexpectedResponse, out.ClientID, id)
	}
	return out.PublicKey, nil
}

// SendMessage queues content for another client and returns the message id
func (c *Client) SendMessage(ctx context.Context, to protocol.ClientID, msgType protocol.MessageType, content []byte) (uint32, error) {
	payload := protocol.NewSendMessageRequest(to, msgType, content).Encode()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id.IsZero() {
		return 0, ErrNotRegistered
	}

	resp, err := c.call(ctx, protocol.RequestSendMessage, payload, protocol.ResponseMessageSent)
	if err != nil {
		return 0, err
	}

	var sent protocol.MessageSent
	if err := sent.Decode(resp.Payload); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// SendText sends an (already encrypted) text message
func (c *Client) SendText(ctx context.Context, to protocol.ClientID, ciphertext []byte) (uint32, error) {
	return c.SendMessage(ctx, to, protocol.MessageText, ciphertext)
}

// RequestSymKey asks another client for a symmetric key; the content is empty
func (c *Client) RequestSymKey(ctx context.Context, to protocol.ClientID) (uint32, error) {
	return c.SendMessage(ctx, to, protocol.MessageSymKeyRequest, nil)
}

// SendSymKey delivers a symmetric key encrypted for the recipient
func (c *Client) SendSymKey(ctx context.Context, to protocol.ClientID, encryptedKey []byte) (uint32, error) {
	return c.SendMessage(ctx, to, protocol.MessageSymKeySend, encryptedKey)
}

// SendFile sends (already encrypted) file contents
func (c *Client) SendFile(ctx context.Context, to protocol.ClientID, ciphertext []byte) (uint32, error) {
	return c.SendMessage(ctx, to, protocol.MessageFile, ciphertext)
}

// PullMessages retrieves and removes every message waiting for this client
func (c *Client) PullMessages(ctx context.Context) ([]protocol.PulledMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id.IsZero() {
		return nil, ErrNotRegistered
	}

	resp, err := c.call(ctx, protocol.RequestPullMessages, nil, protocol.ResponsePullMessages)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePulledMessages(resp.Payload)
}
