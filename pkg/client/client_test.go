package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

// fakeRelay answers each request on one end of a pipe with handler's
// response and records what it received.
func fakeRelay(t *testing.T, handler func(*protocol.Request) *protocol.Response) (*Client, <-chan *protocol.Request) {
	t.Helper()
	clientEnd, relayEnd := net.Pipe()
	seen := make(chan *protocol.Request, 16)

	go func() {
		defer relayEnd.Close()
		for {
			req, err := protocol.ReadRequest(relayEnd, protocol.DefaultMaxPayloadSize)
			if err != nil {
				return
			}
			seen <- req
			if err := protocol.WriteResponse(relayEnd, handler(req)); err != nil {
				return
			}
		}
	}()

	c := New(clientEnd)
	t.Cleanup(func() { c.Close() })
	return c, seen
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegisterStoresIdentity(t *testing.T) {
	assigned := protocol.ClientID{9, 9}
	c, seen := fakeRelay(t, func(*protocol.Request) *protocol.Response {
		success := protocol.RegistrationSuccess{ClientID: assigned}
		return protocol.NewResponse(protocol.ResponseRegistrationSuccess, success.Encode())
	})

	id, err := c.Register(testCtx(t), "alice", protocol.PublicKey{1})
	require.NoError(t, err)
	assert.Equal(t, assigned, id)
	assert.Equal(t, assigned, c.ID())
	assert.Equal(t, "alice", c.Username())

	req := <-seen
	assert.Equal(t, protocol.RequestRegister, req.Header.Code)
	assert.Equal(t, Version, req.Header.Version)
	assert.True(t, req.Header.ClientID.IsZero())
	require.Len(t, req.Payload, protocol.RegistrationRequestSize)

	var reg protocol.RegistrationRequest
	require.NoError(t, reg.Decode(req.Payload))
	assert.Equal(t, "alice", reg.Username())
	assert.Equal(t, protocol.PublicKey{1}, reg.PublicKey)
}

func TestRegisterInvalidUsername(t *testing.T) {
	c, seen := fakeRelay(t, func(*protocol.Request) *protocol.Response {
		return protocol.ErrorResponse()
	})

	_, err := c.Register(testCtx(t), "", protocol.PublicKey{})
	assert.ErrorIs(t, err, protocol.ErrInvalidUsername)

	_, err = c.Register(testCtx(t), "tab\there", protocol.PublicKey{})
	assert.ErrorIs(t, err, protocol.ErrInvalidUsername)

	assert.Empty(t, seen)
}

func TestResponseCodeMapping(t *testing.T) {
	tests := []struct {
		name    string
		resp    *protocol.Response
		wantErr error
	}{
		{"error response", protocol.ErrorResponse(), ErrRequestRejected},
		{"wrong code", protocol.NewResponse(protocol.ResponseClientsList, nil), ErrUnexpectedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := fakeRelay(t, func(*protocol.Request) *protocol.Response { return tt.resp })
			_, err := c.PublicKey(testCtx(t), protocol.ClientID{3})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPublicKeyForWrongClient(t *testing.T) {
	c, _ := fakeRelay(t, func(*protocol.Request) *protocol.Response {
		out := protocol.PublicKeyResponse{ClientID: protocol.ClientID{4}}
		return protocol.NewResponse(protocol.ResponsePublicKey, out.Encode())
	})

	_, err := c.PublicKey(testCtx(t), protocol.ClientID{3})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestSendAndPullRequireIdentity(t *testing.T) {
	c, seen := fakeRelay(t, func(*protocol.Request) *protocol.Response {
		return protocol.ErrorResponse()
	})
	ctx := testCtx(t)

	_, err := c.SendText(ctx, protocol.ClientID{1}, []byte("hi"))
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = c.PullMessages(ctx)
	assert.ErrorIs(t, err, ErrNotRegistered)

	assert.Empty(t, seen)
}

func TestSendMessageFrame(t *testing.T) {
	me, bob := protocol.ClientID{1}, protocol.ClientID{2}
	c, seen := fakeRelay(t, func(req *protocol.Request) *protocol.Response {
		sent := protocol.MessageSent{ClientID: bob, MessageID: 17}
		return protocol.NewResponse(protocol.ResponseMessageSent, sent.Encode())
	})
	c.SetIdentity(me, "me")

	id, err := c.SendFile(testCtx(t), bob, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, uint32(17), id)

	req := <-seen
	assert.Equal(t, me, req.Header.ClientID)
	assert.Equal(t, protocol.RequestSendMessage, req.Header.Code)

	var msg protocol.SendMessageRequest
	require.NoError(t, msg.Decode(req.Payload))
	assert.Equal(t, bob, msg.ClientID)
	assert.Equal(t, protocol.MessageFile, msg.Type)
	assert.Equal(t, uint32(4), msg.ContentSize)
	assert.Equal(t, []byte("blob"), msg.Content)
}

func TestPullMessages(t *testing.T) {
	me, alice := protocol.ClientID{1}, protocol.ClientID{2}
	queued := []protocol.PulledMessage{
		{From: alice, MessageID: 1, Type: protocol.MessageSymKeyRequest},
		{From: alice, MessageID: 2, Type: protocol.MessageText, Content: []byte("hello")},
	}
	c, _ := fakeRelay(t, func(*protocol.Request) *protocol.Response {
		return protocol.NewResponse(protocol.ResponsePullMessages, protocol.EncodePulledMessages(queued))
	})
	c.SetIdentity(me, "me")

	msgs, err := c.PullMessages(testCtx(t))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint32(1), msgs[0].MessageID)
	assert.Empty(t, msgs[0].Content)
	assert.Equal(t, []byte("hello"), msgs[1].Content)
}

func TestClosedClient(t *testing.T) {
	c, _ := fakeRelay(t, func(*protocol.Request) *protocol.Response {
		return protocol.ErrorResponse()
	})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Do(testCtx(t), protocol.RequestClientsList, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCancelledContext(t *testing.T) {
	c, _ := fakeRelay(t, func(*protocol.Request) *protocol.Response {
		return protocol.ErrorResponse()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ClientsList(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReconnectGivesUpWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		if conn, err := ln.Accept(); err == nil {
			conn.Close()
		}
	}()

	c, err := Dial(testCtx(t), addr)
	require.NoError(t, err)
	c.SetIdentity(protocol.ClientID{5}, "eve")
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Reconnect(ctx))
	assert.Equal(t, protocol.ClientID{5}, c.ID())

	_, err = c.Do(testCtx(t), protocol.RequestClientsList, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
