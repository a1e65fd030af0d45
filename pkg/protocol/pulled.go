package protocol

import (
	"encoding/binary"
	"fmt"
)

// PulledMessage is one record of a pull-messages response. The content
// size on the wire is always len(Content).
type PulledMessage struct {
	From      ClientID
	MessageID uint32
	Type      MessageType
	Content   []byte
}

// Size returns the encoded length of the record
func (m *PulledMessage) Size() int {
	return PulledMessageHeaderSize + len(m.Content)
}

// Encode encodes the record header and content to bytes
func (m *PulledMessage) Encode() []byte {
	buf := make([]byte, m.Size())
	m.put(buf)
	return buf
}

func (m *PulledMessage) put(buf []byte) int {
	copy(buf[0:16], m.From[:])
	binary.LittleEndian.PutUint32(buf[16:20], m.MessageID)
	buf[20] = uint8(m.Type)
	binary.LittleEndian.PutUint32(buf[21:25], uint32(len(m.Content)))
	copy(buf[PulledMessageHeaderSize:], m.Content)
	return PulledMessageHeaderSize + len(m.Content)
}

// Decode decodes one record from the front of buf and returns the number
// of bytes consumed
func (m *PulledMessage) Decode(buf []byte) (int, error) {
	if len(buf) < PulledMessageHeaderSize {
		return 0, shortBuffer("pulled message header", PulledMessageHeaderSize, len(buf))
	}

	copy(m.From[:], buf[0:16])
	m.MessageID = binary.LittleEndian.Uint32(buf[16:20])
	m.Type = MessageType(buf[20])
	size := binary.LittleEndian.Uint32(buf[21:25])

	end := uint64(PulledMessageHeaderSize) + uint64(size)
	if uint64(len(buf)) < end {
		return 0, fmt.Errorf("%w: pulled message %d declares %d content bytes, %d remain",
			ErrMalformedFrame, m.MessageID, size, len(buf)-PulledMessageHeaderSize)
	}
	m.Content = append([]byte(nil), buf[PulledMessageHeaderSize:end]...)

	return int(end), nil
}

// EncodePulledMessages concatenates records with no outer count field
func EncodePulledMessages(msgs []PulledMessage) []byte {
	total := 0
	for i := range msgs {
		total += msgs[i].Size()
	}

	buf := make([]byte, total)
	offset := 0
	for i := range msgs {
		offset += msgs[i].put(buf[offset:])
	}
	return buf
}

// DecodePulledMessages walks a concatenated stream record by record until
// the buffer is exhausted. A trailing partial record is an error.
func DecodePulledMessages(buf []byte) ([]PulledMessage, error) {
	var msgs []PulledMessage
	offset := 0
	for offset < len(buf) {
		var m PulledMessage
		n, err := m.Decode(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("record at offset %d: %w", offset, err)
		}
		msgs = append(msgs, m)
		offset += n
	}
	return msgs, nil
}
