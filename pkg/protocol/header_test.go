package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func testClientID(b byte) ClientID {
	var id ClientID
	for i := range id {
		id[i] = b + byte(i)
	}
	return id
}

func TestRequestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header RequestHeader
	}{
		{
			name: "register with zero id",
			header: RequestHeader{
				Version:     1,
				Code:        RequestRegister,
				PayloadSize: RegistrationRequestSize,
			},
		},
		{
			name: "clients list without payload",
			header: RequestHeader{
				ClientID: testClientID(0x10),
				Version:  1,
				Code:     RequestClientsList,
			},
		},
		{
			name: "max payload size",
			header: RequestHeader{
				ClientID:    testClientID(0xf0),
				Version:     0xff,
				Code:        RequestSendMessage,
				PayloadSize: 0xffffffff,
			},
		},
		{
			name: "unknown code survives round trip",
			header: RequestHeader{
				ClientID: testClientID(0x01),
				Version:  2,
				Code:     RequestCode(4242),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.header.Encode()

			if len(encoded) != RequestHeaderSize {
				t.Errorf("Encode() length = %d, want %d", len(encoded), RequestHeaderSize)
			}

			var decoded RequestHeader
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if decoded != tt.header {
				t.Errorf("Decode() = %+v, want %+v", decoded, tt.header)
			}
		})
	}
}

func TestRequestHeaderLayout(t *testing.T) {
	h := RequestHeader{
		ClientID:    testClientID(0),
		Version:     1,
		Code:        RequestPullMessages,
		PayloadSize: 0x01020304,
	}
	buf := h.Encode()

	// 1104 = 0x0450, little-endian
	if buf[16] != 1 || buf[17] != 0x50 || buf[18] != 0x04 {
		t.Errorf("version/code bytes = % x", buf[16:19])
	}
	if !bytes.Equal(buf[19:23], []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Errorf("payload size bytes = % x", buf[19:23])
	}
}

func TestResponseHeaderEncodeDecode(t *testing.T) {
	tests := []ResponseHeader{
		{Version: ServerVersion, Code: ResponseRegistrationSuccess, PayloadSize: RegistrationSuccessSize},
		{Version: ServerVersion, Code: ResponseError},
		{Version: ServerVersion, Code: ResponsePullMessages, PayloadSize: 1 << 20},
	}

	for _, h := range tests {
		t.Run(h.Code.String(), func(t *testing.T) {
			encoded := h.Encode()
			if len(encoded) != ResponseHeaderSize {
				t.Fatalf("Encode() length = %d, want %d", len(encoded), ResponseHeaderSize)
			}

			var decoded ResponseHeader
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if decoded != h {
				t.Errorf("Decode() = %+v, want %+v", decoded, h)
			}
		})
	}
}

func TestHeaderDecodeTooShort(t *testing.T) {
	var req RequestHeader
	if err := req.Decode(make([]byte, RequestHeaderSize-1)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("RequestHeader.Decode() error = %v, want %v", err, ErrMalformedFrame)
	}

	var resp ResponseHeader
	if err := resp.Decode(make([]byte, ResponseHeaderSize-1)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("ResponseHeader.Decode() error = %v, want %v", err, ErrMalformedFrame)
	}
}

func TestErrorResponse(t *testing.T) {
	buf := ErrorResponse().Encode()

	want := []byte{ServerVersion, 0x28, 0x23, 0, 0, 0, 0} // 9000 = 0x2328
	if !bytes.Equal(buf, want) {
		t.Errorf("ErrorResponse().Encode() = % x, want % x", buf, want)
	}
}

func TestDecodeRequest(t *testing.T) {
	payload := []byte("payload")
	raw := NewRequest(testClientID(3), 1, RequestSendMessage, payload).Encode()

	req, err := DecodeRequest(append(raw, 0xAA, 0xBB))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if !bytes.Equal(req.Payload, payload) {
		t.Errorf("Payload = %q, want %q", req.Payload, payload)
	}

	if _, err := DecodeRequest(raw[:len(raw)-1]); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeRequest(truncated) error = %v, want %v", err, ErrMalformedFrame)
	}
}

func TestReadWriteRequest(t *testing.T) {
	var buf bytes.Buffer

	first := NewRequest(testClientID(1), 1, RequestPublicKey, (&PublicKeyRequest{ClientID: testClientID(2)}).Encode())
	second := NewRequest(testClientID(1), 1, RequestPullMessages, nil)

	if err := WriteRequest(&buf, first); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}
	if err := WriteRequest(&buf, second); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}

	got, err := ReadRequest(&buf, DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}
	if got.Header != first.Header || !bytes.Equal(got.Payload, first.Payload) {
		t.Errorf("first request = %+v, want %+v", got, first)
	}

	got, err = ReadRequest(&buf, DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}
	if got.Header != second.Header || len(got.Payload) != 0 {
		t.Errorf("second request = %+v, want %+v", got, second)
	}

	if _, err := ReadRequest(&buf, DefaultMaxPayloadSize); err != io.EOF {
		t.Errorf("ReadRequest(empty) error = %v, want io.EOF", err)
	}
}

func TestReadRequestTruncatedPayload(t *testing.T) {
	raw := NewRequest(testClientID(1), 1, RequestSendMessage, make([]byte, 40)).Encode()

	_, err := ReadRequest(bytes.NewReader(raw[:RequestHeaderSize+10]), DefaultMaxPayloadSize)
	if err != io.ErrUnexpectedEOF {
		t.Errorf("ReadRequest() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadRequestPayloadTooLarge(t *testing.T) {
	raw := NewRequest(testClientID(1), 1, RequestSendMessage, make([]byte, 64)).Encode()

	req, err := ReadRequest(bytes.NewReader(raw), 32)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("ReadRequest() error = %v, want %v", err, ErrPayloadTooLarge)
	}
	if req == nil || req.Header.Code != RequestSendMessage {
		t.Errorf("header should be returned with ErrPayloadTooLarge, got %+v", req)
	}
}

func TestReadWriteResponse(t *testing.T) {
	var buf bytes.Buffer

	sent := NewResponse(ResponseMessageSent, (&MessageSent{ClientID: testClientID(9), MessageID: 7}).Encode())
	if err := WriteResponse(&buf, sent); err != nil {
		t.Fatalf("WriteResponse() error = %v", err)
	}
	if err := WriteResponse(&buf, ErrorResponse()); err != nil {
		t.Fatalf("WriteResponse() error = %v", err)
	}

	got, err := ReadResponse(&buf, 0)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if got.Header != sent.Header || !bytes.Equal(got.Payload, sent.Payload) {
		t.Errorf("ReadResponse() = %+v, want %+v", got, sent)
	}

	got, err = ReadResponse(&buf, 0)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if got.Header.Code != ResponseError || got.Header.PayloadSize != 0 {
		t.Errorf("error response = %+v", got.Header)
	}
}

func TestParseClientID(t *testing.T) {
	id := testClientID(0x20)

	parsed, err := ParseClientID(id.String())
	if err != nil {
		t.Fatalf("ParseClientID() error = %v", err)
	}
	if parsed != id {
		t.Errorf("ParseClientID() = %s, want %s", parsed, id)
	}

	if _, err := ParseClientID("abcd"); err == nil {
		t.Error("ParseClientID(short) should fail")
	}
	if _, err := ParseClientID("zz"); err == nil {
		t.Error("ParseClientID(non-hex) should fail")
	}
}

func BenchmarkRequestHeaderEncode(b *testing.B) {
	h := RequestHeader{ClientID: testClientID(0), Version: 1, Code: RequestSendMessage, PayloadSize: 1024}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = h.Encode()
	}
}
