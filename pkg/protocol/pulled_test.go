package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestPulledMessageEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  PulledMessage
	}{
		{"empty content", PulledMessage{From: testClientID(1), MessageID: 1, Type: MessageSymKeyRequest}},
		{"text", PulledMessage{From: testClientID(2), MessageID: 2, Type: MessageText, Content: []byte("hi")}},
		{"large id", PulledMessage{From: testClientID(3), MessageID: 0xffffffff, Type: MessageFile, Content: bytes.Repeat([]byte{7}, 10000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.msg.Encode()
			if len(encoded) != PulledMessageHeaderSize+len(tt.msg.Content) {
				t.Fatalf("Encode() length = %d", len(encoded))
			}

			var decoded PulledMessage
			n, err := decoded.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(encoded) {
				t.Errorf("Decode() consumed %d bytes, want %d", n, len(encoded))
			}
			if decoded.From != tt.msg.From || decoded.MessageID != tt.msg.MessageID || decoded.Type != tt.msg.Type {
				t.Errorf("Decode() header = %+v, want %+v", decoded, tt.msg)
			}
			if !bytes.Equal(decoded.Content, tt.msg.Content) {
				t.Errorf("Decode() content length = %d, want %d", len(decoded.Content), len(tt.msg.Content))
			}
		})
	}
}

func TestPulledMessageStream(t *testing.T) {
	msgs := []PulledMessage{
		{From: testClientID(1), MessageID: 10, Type: MessageSymKeyRequest},
		{From: testClientID(2), MessageID: 11, Type: MessageSymKeySend, Content: bytes.Repeat([]byte{0xCC}, 128)},
		{From: testClientID(1), MessageID: 12, Type: MessageText, Content: []byte("third")},
	}

	stream := EncodePulledMessages(msgs)

	wantLen := 0
	for i := range msgs {
		wantLen += msgs[i].Size()
	}
	if len(stream) != wantLen {
		t.Fatalf("EncodePulledMessages() length = %d, want %d", len(stream), wantLen)
	}

	decoded, err := DecodePulledMessages(stream)
	if err != nil {
		t.Fatalf("DecodePulledMessages() error = %v", err)
	}
	if len(decoded) != len(msgs) {
		t.Fatalf("decoded %d messages, want %d", len(decoded), len(msgs))
	}
	for i := range msgs {
		if decoded[i].MessageID != msgs[i].MessageID || !bytes.Equal(decoded[i].Content, msgs[i].Content) {
			t.Errorf("message %d = %+v, want %+v", i, decoded[i], msgs[i])
		}
	}
}

func TestPulledMessageStreamEmpty(t *testing.T) {
	if got := EncodePulledMessages(nil); len(got) != 0 {
		t.Errorf("EncodePulledMessages(nil) length = %d", len(got))
	}

	msgs, err := DecodePulledMessages(nil)
	if err != nil || len(msgs) != 0 {
		t.Errorf("DecodePulledMessages(nil) = %v, %v", msgs, err)
	}
}

func TestPulledMessageStreamTrailingPartial(t *testing.T) {
	msgs := []PulledMessage{
		{From: testClientID(1), MessageID: 1, Type: MessageText, Content: []byte("complete")},
		{From: testClientID(1), MessageID: 2, Type: MessageText, Content: []byte("cut off")},
	}
	stream := EncodePulledMessages(msgs)

	tests := []struct {
		name string
		cut  int
	}{
		{"partial header", msgs[0].Size() + 10},
		{"partial content", len(stream) - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePulledMessages(stream[:tt.cut])
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("DecodePulledMessages() error = %v, want %v", err, ErrMalformedFrame)
			}
		})
	}
}
