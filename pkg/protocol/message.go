package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrInvalidUsername = errors.New("invalid username")

// ===== USERNAME FIELD =====

// PackUsername null-pads a username into the fixed wire field
func PackUsername(name string) ([UsernameSize]byte, error) {
	var field [UsernameSize]byte
	if len(name) > UsernameSize {
		return field, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidUsername, len(name), UsernameSize)
	}
	copy(field[:], name)
	return field, nil
}

// UnpackUsername returns the field contents up to the first NUL byte
func UnpackUsername(field [UsernameSize]byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field[:])
}

// ValidateUsername requires 1..255 printable ASCII characters
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(name) > UsernameSize {
		return fmt.Errorf("%w: too long", ErrInvalidUsername)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return fmt.Errorf("%w: byte 0x%02x at %d is not printable ASCII", ErrInvalidUsername, name[i], i)
		}
	}
	return nil
}

// ===== REQUEST PAYLOADS =====

// RegistrationRequest is the payload of RequestRegister
type RegistrationRequest struct {
	Name      [UsernameSize]byte // Null-padded username
	PublicKey PublicKey
}

// Username returns the name truncated at the first NUL
func (r *RegistrationRequest) Username() string {
	return UnpackUsername(r.Name)
}

// Encode encodes the registration payload to bytes
func (r *RegistrationRequest) Encode() []byte {
	buf := make([]byte, RegistrationRequestSize)
	copy(buf[0:UsernameSize], r.Name[:])
	copy(buf[UsernameSize:], r.PublicKey[:])
	return buf
}

// Decode decodes the registration payload from bytes
func (r *RegistrationRequest) Decode(buf []byte) error {
	if len(buf) < RegistrationRequestSize {
		return shortBuffer("registration request", RegistrationRequestSize, len(buf))
	}
	copy(r.Name[:], buf[0:UsernameSize])
	copy(r.PublicKey[:], buf[UsernameSize:RegistrationRequestSize])
	return nil
}

// PublicKeyRequest is the payload of RequestPublicKey
type PublicKeyRequest struct {
	ClientID ClientID // Target client
}

// Encode encodes the public key request to bytes
func (r *PublicKeyRequest) Encode() []byte {
	buf := make([]byte, PublicKeyRequestSize)
	copy(buf, r.ClientID[:])
	return buf
}

// Decode decodes the public key request from bytes
func (r *PublicKeyRequest) Decode(buf []byte) error {
	if len(buf) < PublicKeyRequestSize {
		return shortBuffer("public key request", PublicKeyRequestSize, len(buf))
	}
	copy(r.ClientID[:], buf[0:ClientIDSize])
	return nil
}

// SendMessageHeader is the fixed front of a RequestSendMessage payload
type SendMessageHeader struct {
	ClientID    ClientID // Recipient
	Type        MessageType
	ContentSize uint32
}

// Encode encodes the send-message header to bytes
func (h *SendMessageHeader) Encode() []byte {
	buf := make([]byte, SendMessageHeaderSize)
	copy(buf[0:16], h.ClientID[:])
	buf[16] = uint8(h.Type)
	binary.LittleEndian.PutUint32(buf[17:21], h.ContentSize)
	return buf
}

// Decode decodes the send-message header from bytes
func (h *SendMessageHeader) Decode(buf []byte) error {
	if len(buf) < SendMessageHeaderSize {
		return shortBuffer("send message header", SendMessageHeaderSize, len(buf))
	}
	copy(h.ClientID[:], buf[0:16])
	h.Type = MessageType(buf[16])
	h.ContentSize = binary.LittleEndian.Uint32(buf[17:21])
	return nil
}

// SendMessageRequest is a send-message header followed by content
type SendMessageRequest struct {
	SendMessageHeader
	Content []byte
}

// NewSendMessageRequest builds a request whose declared size matches content
func NewSendMessageRequest(to ClientID, msgType MessageType, content []byte) *SendMessageRequest {
	return &SendMessageRequest{
		SendMessageHeader: SendMessageHeader{
			ClientID:    to,
			Type:        msgType,
			ContentSize: uint32(len(content)),
		},
		Content: content,
	}
}

// Encode encodes header and content to bytes
func (r *SendMessageRequest) Encode() []byte {
	buf := make([]byte, 0, SendMessageHeaderSize+len(r.Content))
	buf = append(buf, r.SendMessageHeader.Encode()...)
	return append(buf, r.Content...)
}

// Decode decodes the header and takes every following byte as content.
// The declared ContentSize is not checked against the remainder.
func (r *SendMessageRequest) Decode(buf []byte) error {
	if err := r.SendMessageHeader.Decode(buf); err != nil {
		return err
	}
	r.Content = append([]byte(nil), buf[SendMessageHeaderSize:]...)
	return nil
}

// ===== RESPONSE PAYLOADS =====

// RegistrationSuccess carries the id assigned to a new client
type RegistrationSuccess struct {
	ClientID ClientID
}

// Encode encodes the registration success payload to bytes
func (r *RegistrationSuccess) Encode() []byte {
	buf := make([]byte, RegistrationSuccessSize)
	copy(buf, r.ClientID[:])
	return buf
}

// Decode decodes the registration success payload from bytes
func (r *RegistrationSuccess) Decode(buf []byte) error {
	if len(buf) < RegistrationSuccessSize {
		return shortBuffer("registration success", RegistrationSuccessSize, len(buf))
	}
	copy(r.ClientID[:], buf[0:ClientIDSize])
	return nil
}

// ClientEntry is one record of a clients-list response
type ClientEntry struct {
	ClientID ClientID
	Name     [UsernameSize]byte
}

// Username returns the name truncated at the first NUL
func (e *ClientEntry) Username() string {
	return UnpackUsername(e.Name)
}

// Encode encodes the entry to bytes
func (e *ClientEntry) Encode() []byte {
	buf := make([]byte, ClientEntrySize)
	copy(buf[0:ClientIDSize], e.ClientID[:])
	copy(buf[ClientIDSize:], e.Name[:])
	return buf
}

// Decode decodes the entry from bytes
func (e *ClientEntry) Decode(buf []byte) error {
	if len(buf) < ClientEntrySize {
		return shortBuffer("client entry", ClientEntrySize, len(buf))
	}
	copy(e.ClientID[:], buf[0:ClientIDSize])
	copy(e.Name[:], buf[ClientIDSize:ClientEntrySize])
	return nil
}

// EncodeClientList concatenates entries with no count prefix
func EncodeClientList(entries []ClientEntry) []byte {
	buf := make([]byte, 0, len(entries)*ClientEntrySize)
	for i := range entries {
		buf = append(buf, entries[i].Encode()...)
	}
	return buf
}

// DecodeClientList parses a concatenated list; a trailing partial entry
// is an error
func DecodeClientList(buf []byte) ([]ClientEntry, error) {
	if len(buf)%ClientEntrySize != 0 {
		return nil, fmt.Errorf("%w: client list of %d bytes is not a multiple of %d",
			ErrMalformedFrame, len(buf), ClientEntrySize)
	}

	entries := make([]ClientEntry, 0, len(buf)/ClientEntrySize)
	for offset := 0; offset < len(buf); offset += ClientEntrySize {
		var e ClientEntry
		if err := e.Decode(buf[offset:]); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PublicKeyResponse carries a client's id and public key
type PublicKeyResponse struct {
	ClientID  ClientID
	PublicKey PublicKey
}

// Encode encodes the public key response to bytes
func (r *PublicKeyResponse) Encode() []byte {
	buf := make([]byte, PublicKeyResponseSize)
	copy(buf[0:ClientIDSize], r.ClientID[:])
	copy(buf[ClientIDSize:], r.PublicKey[:])
	return buf
}

// Decode decodes the public key response from bytes
func (r *PublicKeyResponse) Decode(buf []byte) error {
	if len(buf) < PublicKeyResponseSize {
		return shortBuffer("public key response", PublicKeyResponseSize, len(buf))
	}
	copy(r.ClientID[:], buf[0:ClientIDSize])
	copy(r.PublicKey[:], buf[ClientIDSize:PublicKeyResponseSize])
	return nil
}

// MessageSent confirms a message was queued
type MessageSent struct {
	ClientID  ClientID // Recipient
	MessageID uint32
}

// Encode encodes the message-sent payload to bytes
func (m *MessageSent) Encode() []byte {
	buf := make([]byte, MessageSentSize)
	copy(buf[0:ClientIDSize], m.ClientID[:])
	binary.LittleEndian.PutUint32(buf[ClientIDSize:], m.MessageID)
	return buf
}

// Decode decodes the message-sent payload from bytes
func (m *MessageSent) Decode(buf []byte) error {
	if len(buf) < MessageSentSize {
		return shortBuffer("message sent", MessageSentSize, len(buf))
	}
	copy(m.ClientID[:], buf[0:ClientIDSize])
	m.MessageID = binary.LittleEndian.Uint32(buf[ClientIDSize:MessageSentSize])
	return nil
}
