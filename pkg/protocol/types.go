package protocol

import (
	"encoding/hex"
	"fmt"
)

// Protocol constants
const (
	// Version written into every response header
	ServerVersion uint8 = 2

	ClientIDSize  = 16
	UsernameSize  = 255
	PublicKeySize = 160

	// Fixed layout sizes
	RequestHeaderSize       = ClientIDSize + 1 + 2 + 4 // 23
	ResponseHeaderSize      = 1 + 2 + 4                // 7
	RegistrationRequestSize = UsernameSize + PublicKeySize
	PublicKeyRequestSize    = ClientIDSize
	SendMessageHeaderSize   = ClientIDSize + 1 + 4 // 21
	RegistrationSuccessSize = ClientIDSize
	ClientEntrySize         = ClientIDSize + UsernameSize
	PublicKeyResponseSize   = ClientIDSize + PublicKeySize
	MessageSentSize         = ClientIDSize + 4
	PulledMessageHeaderSize = ClientIDSize + 4 + 1 + 4 // 25

	// Default upper bound on a request payload accepted by ReadRequest
	DefaultMaxPayloadSize = 64 << 20
)

// RequestCode identifies a client request
type RequestCode uint16

const (
	RequestRegister     RequestCode = 1100
	RequestClientsList  RequestCode = 1101
	RequestPublicKey    RequestCode = 1102
	RequestSendMessage  RequestCode = 1103
	RequestPullMessages RequestCode = 1104
)

func (c RequestCode) String() string {
	switch c {
	case RequestRegister:
		return "register"
	case RequestClientsList:
		return "clients_list"
	case RequestPublicKey:
		return "public_key"
	case RequestSendMessage:
		return "send_message"
	case RequestPullMessages:
		return "pull_messages"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

// ResponseCode identifies a server response
type ResponseCode uint16

const (
	ResponseRegistrationSuccess ResponseCode = 2100
	ResponseClientsList         ResponseCode = 2101
	ResponsePublicKey           ResponseCode = 2102
	ResponseMessageSent         ResponseCode = 2103
	ResponsePullMessages        ResponseCode = 2104
	ResponseError               ResponseCode = 9000
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseRegistrationSuccess:
		return "registration_success"
	case ResponseClientsList:
		return "clients_list"
	case ResponsePublicKey:
		return "public_key"
	case ResponseMessageSent:
		return "message_sent"
	case ResponsePullMessages:
		return "pull_messages"
	case ResponseError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

// MessageType tags the content of a queued message. The relay never
// interprets it.
type MessageType uint8

const (
	MessageSymKeyRequest MessageType = 1
	MessageSymKeySend    MessageType = 2
	MessageText          MessageType = 3
	MessageFile          MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageSymKeyRequest:
		return "sym_key_request"
	case MessageSymKeySend:
		return "sym_key_send"
	case MessageText:
		return "text"
	case MessageFile:
		return "file"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ClientID is the 128-bit identity assigned at registration
type ClientID [ClientIDSize]byte

// PublicKey is the opaque 160-byte key a client registers with
type PublicKey [PublicKeySize]byte

// String returns the hex form used in logs and the admin API
func (id ClientID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is all zeroes
func (id ClientID) IsZero() bool {
	return id == ClientID{}
}

// ParseClientID parses a 32-character hex string
func ParseClientID(s string) (ClientID, error) {
	var id ClientID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid client id: %w", err)
	}
	if len(b) != ClientIDSize {
		return id, fmt.Errorf("invalid client id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}
