// Package protocol implements the mailbox relay wire format.
//
// Every exchange is one request frame from the client followed by one
// response frame from the relay. All integers are little-endian and every
// layout has a fixed size declared as a constant in this package, so both
// directions of the protocol agree on offsets without any framing beyond
// the payload length in the header.
//
// # Request Header (23 bytes)
//
//   - ClientID (16 bytes): requester identity, zero on registration
//   - Version (1 byte): client protocol version
//   - Code (2 bytes): request code (1100..1104)
//   - PayloadSize (4 bytes): length of the payload that follows
//
// # Response Header (7 bytes)
//
//   - Version (1 byte): ServerVersion
//   - Code (2 bytes): response code (2100..2104, 9000)
//   - PayloadSize (4 bytes): length of the payload that follows
//
// Error responses always carry code 9000 and an empty payload.
//
// # Payloads
//
// Register carries a 255-byte null-padded username and a 160-byte public
// key. PublicKey carries the target id. SendMessage carries a 21-byte
// header (recipient id, message type, content size) followed by the
// content. ClientsList and PullMessages requests have no payload.
//
// A clients-list response is a concatenation of 271-byte entries. A
// pull-messages response is a concatenation of records, each a 25-byte
// header (sender id, message id, type, content size) followed by content;
// there is no outer count, so DecodePulledMessages walks the stream record
// by record and rejects a trailing partial record.
//
// # Usage Example
//
//	payload := protocol.NewSendMessageRequest(bob, protocol.MessageText, []byte("hi")).Encode()
//	req := protocol.NewRequest(alice, 1, protocol.RequestSendMessage, payload)
//	if err := protocol.WriteRequest(conn, req); err != nil {
//	    return err
//	}
//	resp, err := protocol.ReadResponse(conn, protocol.DefaultMaxPayloadSize)
//
// Decode functions only check sizes. Whether a referenced client exists is
// decided by the relay.
package protocol
