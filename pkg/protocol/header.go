package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// RequestHeader precedes every client request
type RequestHeader struct {
	ClientID    ClientID    // Requester identity (zero on registration)
	Version     uint8       // Client protocol version
	Code        RequestCode // Request code
	PayloadSize uint32      // Payload length
}

// Encode encodes the header to bytes
func (h *RequestHeader) Encode() []byte {
	buf := make([]byte, RequestHeaderSize)

	copy(buf[0:16], h.ClientID[:])
	buf[16] = h.Version
	binary.LittleEndian.PutUint16(buf[17:19], uint16(h.Code))
	binary.LittleEndian.PutUint32(buf[19:23], h.PayloadSize)

	return buf
}

// Decode decodes the header from bytes
func (h *RequestHeader) Decode(buf []byte) error {
	if len(buf) < RequestHeaderSize {
		return shortBuffer("request header", RequestHeaderSize, len(buf))
	}

	copy(h.ClientID[:], buf[0:16])
	h.Version = buf[16]
	h.Code = RequestCode(binary.LittleEndian.Uint16(buf[17:19]))
	h.PayloadSize = binary.LittleEndian.Uint32(buf[19:23])

	return nil
}

// ResponseHeader precedes every server response, errors included
type ResponseHeader struct {
	Version     uint8
	Code        ResponseCode
	PayloadSize uint32
}

// Encode encodes the header to bytes
func (h *ResponseHeader) Encode() []byte {
	buf := make([]byte, ResponseHeaderSize)

	buf[0] = h.Version
	binary.LittleEndian.PutUint16(buf[1:3], uint16(h.Code))
	binary.LittleEndian.PutUint32(buf[3:7], h.PayloadSize)

	return buf
}

// Decode decodes the header from bytes
func (h *ResponseHeader) Decode(buf []byte) error {
	if len(buf) < ResponseHeaderSize {
		return shortBuffer("response header", ResponseHeaderSize, len(buf))
	}

	h.Version = buf[0]
	h.Code = ResponseCode(binary.LittleEndian.Uint16(buf[1:3]))
	h.PayloadSize = binary.LittleEndian.Uint32(buf[3:7])

	return nil
}

// Request is one complete request frame
type Request struct {
	Header  RequestHeader
	Payload []byte
}

// NewRequest builds a request frame with a consistent payload size
func NewRequest(clientID ClientID, version uint8, code RequestCode, payload []byte) *Request {
	return &Request{
		Header: RequestHeader{
			ClientID:    clientID,
			Version:     version,
			Code:        code,
			PayloadSize: uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Encode encodes header and payload into one buffer
func (r *Request) Encode() []byte {
	buf := make([]byte, 0, RequestHeaderSize+len(r.Payload))
	buf = append(buf, r.Header.Encode()...)
	return append(buf, r.Payload...)
}

// DecodeRequest splits a raw frame into header and declared payload.
// Bytes past the declared payload are ignored.
func DecodeRequest(buf []byte) (*Request, error) {
	req := &Request{}
	if err := req.Header.Decode(buf); err != nil {
		return nil, err
	}

	end := RequestHeaderSize + int(req.Header.PayloadSize)
	if len(buf) < end {
		return nil, shortBuffer("request payload", end, len(buf))
	}
	req.Payload = buf[RequestHeaderSize:end]

	return req, nil
}

// Response is one complete response frame
type Response struct {
	Header  ResponseHeader
	Payload []byte
}

// NewResponse builds a response frame stamped with the server version
func NewResponse(code ResponseCode, payload []byte) *Response {
	return &Response{
		Header: ResponseHeader{
			Version:     ServerVersion,
			Code:        code,
			PayloadSize: uint32(len(payload)),
		},
		Payload: payload,
	}
}

// ErrorResponse is the generic error frame: code 9000, empty payload
func ErrorResponse() *Response {
	return NewResponse(ResponseError, nil)
}

// Encode encodes header and payload into one buffer
func (r *Response) Encode() []byte {
	buf := make([]byte, 0, ResponseHeaderSize+len(r.Payload))
	buf = append(buf, r.Header.Encode()...)
	return append(buf, r.Payload...)
}

// DecodeResponse splits a raw frame into header and declared payload
func DecodeResponse(buf []byte) (*Response, error) {
	resp := &Response{}
	if err := resp.Header.Decode(buf); err != nil {
		return nil, err
	}

	end := ResponseHeaderSize + int(resp.Header.PayloadSize)
	if len(buf) < end {
		return nil, shortBuffer("response payload", end, len(buf))
	}
	resp.Payload = buf[ResponseHeaderSize:end]

	return resp, nil
}

// ReadRequest reads exactly one request frame from r. A clean EOF before
// the first header byte is returned as io.EOF; EOF inside a frame is
// io.ErrUnexpectedEOF. Payloads above maxPayload are rejected with
// ErrPayloadTooLarge after the header has been read; the header is still
// returned so the caller can log it.
func ReadRequest(r io.Reader, maxPayload uint32) (*Request, error) {
	buf := make([]byte, RequestHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	req := &Request{}
	if err := req.Header.Decode(buf); err != nil {
		return nil, err
	}

	if maxPayload > 0 && req.Header.PayloadSize > maxPayload {
		return req, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, req.Header.PayloadSize, maxPayload)
	}

	if req.Header.PayloadSize > 0 {
		req.Payload = make([]byte, req.Header.PayloadSize)
		if _, err := io.ReadFull(r, req.Payload); err != nil {
			return nil, noEOF(err)
		}
	}

	return req, nil
}

// WriteRequest writes a request frame to w in a single write
func WriteRequest(w io.Writer, req *Request) error {
	_, err := w.Write(req.Encode())
	return err
}

// ReadResponse reads exactly one response frame from r
func ReadResponse(r io.Reader, maxPayload uint32) (*Response, error) {
	buf := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	resp := &Response{}
	if err := resp.Header.Decode(buf); err != nil {
		return nil, err
	}

	if maxPayload > 0 && resp.Header.PayloadSize > maxPayload {
		return resp, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, resp.Header.PayloadSize, maxPayload)
	}

	if resp.Header.PayloadSize > 0 {
		resp.Payload = make([]byte, resp.Header.PayloadSize)
		if _, err := io.ReadFull(r, resp.Payload); err != nil {
			return nil, noEOF(err)
		}
	}

	return resp, nil
}

// WriteResponse writes a response frame to w in a single write
func WriteResponse(w io.Writer, resp *Response) error {
	_, err := w.Write(resp.Encode())
	return err
}

func shortBuffer(what string, want, got int) error {
	return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrMalformedFrame, what, want, got)
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
