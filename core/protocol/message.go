package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pyropy/dbs/core/constants"
	"github.com/pyropy/dbs/core/model"
)

// CRLF terminates the header. The header ends at the first CRLF CRLF pair.
const CRLF = "\r\n"

var headerTerminator = []byte(CRLF + CRLF)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownKind      = errors.New("unknown message kind")
	ErrBodyTooLarge     = errors.New("message body exceeds chunk size")
)

// Kind is the type of a protocol message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAnnounce
	KindConfirm
	KindRequest
	KindDeliver
)

var kindNames = map[Kind]string{
	KindAnnounce: "PUTCHUNK",
	KindConfirm:  "STORED",
	KindRequest:  "GETCHUNK",
	KindDeliver:  "CHUNK",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "UNKNOWN"
}

// ParseKind maps a wire token to its Kind. Unrecognized tokens yield KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}

	return KindUnknown
}

// minFields is the number of header fields each kind requires, including
// kind, version and sender.
func (k Kind) minFields() int {
	switch k {
	case KindAnnounce:
		return 6
	case KindConfirm, KindRequest, KindDeliver:
		return 5
	default:
		return 3
	}
}

// Message is a decoded protocol message. Degree is only meaningful for
// announces, Body only for announces and deliveries.
type Message struct {
	Kind     Kind
	Version  string
	SenderID string
	FileID   string
	ChunkNo  int
	Degree   int
	Body     []byte
}

func (m *Message) ChunkID() model.ChunkID {
	return model.NewChunkID(m.FileID, m.ChunkNo)
}

func NewAnnounce(version, senderID string, id model.ChunkID, degree int, body []byte) *Message {
	return &Message{
		Kind:     KindAnnounce,
		Version:  version,
		SenderID: senderID,
		FileID:   id.FileID,
		ChunkNo:  id.ChunkNo,
		Degree:   degree,
		Body:     body,
	}
}

func NewConfirm(version, senderID string, id model.ChunkID) *Message {
	return &Message{
		Kind:     KindConfirm,
		Version:  version,
		SenderID: senderID,
		FileID:   id.FileID,
		ChunkNo:  id.ChunkNo,
	}
}

func NewRequest(version, senderID string, id model.ChunkID) *Message {
	return &Message{
		Kind:     KindRequest,
		Version:  version,
		SenderID: senderID,
		FileID:   id.FileID,
		ChunkNo:  id.ChunkNo,
	}
}

func NewDeliver(version, senderID string, id model.ChunkID, body []byte) *Message {
	return &Message{
		Kind:     KindDeliver,
		Version:  version,
		SenderID: senderID,
		FileID:   id.FileID,
		ChunkNo:  id.ChunkNo,
		Body:     body,
	}
}

// EncodeHeader joins fields with single spaces and appends the terminator.
func EncodeHeader(fields ...string) []byte {
	var b bytes.Buffer
	b.WriteString(strings.Join(fields, " "))
	b.Write(headerTerminator)

	return b.Bytes()
}

// Encode serializes m into its wire form.
func Encode(m *Message) ([]byte, error) {
	if len(m.Body) > constants.CHUNK_SIZE_BYTES {
		return nil, ErrBodyTooLarge
	}

	if m.ChunkNo < 0 {
		return nil, fmt.Errorf("encode %s: chunk number %d: %w", m.Kind, m.ChunkNo, ErrMalformedMessage)
	}

	if m.Kind == KindAnnounce && m.Degree < 1 {
		return nil, fmt.Errorf("encode %s: replication degree %d: %w", m.Kind, m.Degree, ErrMalformedMessage)
	}

	chunkNo := strconv.Itoa(m.ChunkNo)

	var fields []string
	switch m.Kind {
	case KindAnnounce:
		fields = []string{m.Kind.String(), m.Version, m.SenderID, m.FileID, chunkNo, strconv.Itoa(m.Degree)}
	case KindConfirm, KindRequest, KindDeliver:
		fields = []string{m.Kind.String(), m.Version, m.SenderID, m.FileID, chunkNo}
	default:
		return nil, fmt.Errorf("encode %s: %w", m.Kind, ErrUnknownKind)
	}

	for _, f := range fields {
		if f == "" || strings.ContainsAny(f, " \r\n") {
			return nil, fmt.Errorf("encode %s: invalid header field %q: %w", m.Kind, f, ErrMalformedMessage)
		}
	}

	header := EncodeHeader(fields...)

	var body []byte
	if m.Kind == KindAnnounce || m.Kind == KindDeliver {
		body = m.Body
	}

	buf := make([]byte, 0, len(header)+len(body))
	buf = append(buf, header...)
	buf = append(buf, body...)

	return buf, nil
}

// Decode parses a datagram. The header/body boundary is found on the raw
// bytes and the body is returned as an untrimmed copy.
func Decode(data []byte) (*Message, error) {
	idx := bytes.Index(data, headerTerminator)
	if idx < 0 {
		return nil, fmt.Errorf("missing header terminator: %w", ErrMalformedMessage)
	}

	fields := strings.Fields(string(data[:idx]))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty header: %w", ErrMalformedMessage)
	}

	kind := ParseKind(fields[0])
	if kind == KindUnknown {
		return nil, fmt.Errorf("%q: %w", fields[0], ErrUnknownKind)
	}

	if len(fields) < kind.minFields() {
		return nil, fmt.Errorf("%s has %d header fields, want %d: %w", kind, len(fields), kind.minFields(), ErrMalformedMessage)
	}

	chunkNo, err := strconv.Atoi(fields[4])
	if err != nil || chunkNo < 0 {
		return nil, fmt.Errorf("%s chunk number %q: %w", kind, fields[4], ErrMalformedMessage)
	}

	m := &Message{
		Kind:     kind,
		Version:  fields[1],
		SenderID: fields[2],
		FileID:   fields[3],
		ChunkNo:  chunkNo,
	}

	if kind == KindAnnounce {
		degree, err := strconv.Atoi(fields[5])
		if err != nil || degree < 1 {
			return nil, fmt.Errorf("%s replication degree %q: %w", kind, fields[5], ErrMalformedMessage)
		}
		m.Degree = degree
	}

	if kind == KindAnnounce || kind == KindDeliver {
		body := data[idx+len(headerTerminator):]
		if len(body) > constants.CHUNK_SIZE_BYTES {
			return nil, fmt.Errorf("%s body of %d bytes: %w", kind, len(body), ErrMalformedMessage)
		}
		m.Body = append([]byte{}, body...)
	}

	return m, nil
}
