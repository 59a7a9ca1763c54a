package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultAddr is where a server listens and clients connect unless told otherwise.
const DefaultAddr = "127.0.0.1:4000"

// Codec limits.
const (
	HeaderSize       = 4
	MaxFrameSize     = 4096
	MaxClientIDSize  = 64
	MaxOpSize        = 256
	MaxDetailSize    = 256
	fieldType        = protowire.Number(1)
	fieldA           = protowire.Number(2)
	fieldB           = protowire.Number(3)
	fieldC           = protowire.Number(4)
	highestFieldSeen = 4
)

// Marshal encodes m into a frame body (no length prefix).
func Marshal(m Message) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	switch m := m.(type) {
	case Hello:
		if len(m.ClientID) > MaxClientIDSize {
			return nil, errors.Wrapf(ErrFieldTooLarge, "client id of %d bytes", len(m.ClientID))
		}
		b = protowire.AppendVarint(b, uint64(TypeHello))
		b = appendString(b, fieldA, m.ClientID)
	case Propose:
		if len(m.Op) > MaxOpSize {
			return nil, errors.Wrapf(ErrFieldTooLarge, "op of %d bytes", len(m.Op))
		}
		b = protowire.AppendVarint(b, uint64(TypePropose))
		b = appendBytes(b, fieldA, m.Op)
		b = appendVarint(b, fieldB, protowire.EncodeZigZag(m.ExpectedVersion))
	case Ack:
		b = protowire.AppendVarint(b, uint64(TypeAck))
		b = appendVarint(b, fieldA, m.Version)
	case Update:
		if len(m.Op) > MaxOpSize {
			return nil, errors.Wrapf(ErrFieldTooLarge, "op of %d bytes", len(m.Op))
		}
		b = protowire.AppendVarint(b, uint64(TypeUpdate))
		b = appendVarint(b, fieldA, m.Version)
		b = appendBytes(b, fieldB, m.Op)
		b = appendVarint(b, fieldC, protowire.EncodeZigZag(m.Value))
	case Reject:
		if len(m.Detail) > MaxDetailSize {
			return nil, errors.Wrapf(ErrFieldTooLarge, "detail of %d bytes", len(m.Detail))
		}
		b = protowire.AppendVarint(b, uint64(TypeReject))
		b = appendVarint(b, fieldA, uint64(m.Reason))
		b = appendVarint(b, fieldB, m.CurrentVersion)
		b = appendString(b, fieldC, m.Detail)
	case Ping:
		b = protowire.AppendVarint(b, uint64(TypePing))
		b = appendVarint(b, fieldA, m.Nonce)
	case Pong:
		b = protowire.AppendVarint(b, uint64(TypePong))
		b = appendVarint(b, fieldA, m.Nonce)
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "%T", m)
	}
	return b, nil
}

// Encode encodes m into a complete length-prefixed frame.
func Encode(m Message) ([]byte, error) {
	body, err := Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message failed")
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(body)), body), nil
}

// AppendFrame appends body to dst behind its little-endian length prefix.
func AppendFrame(dst, body []byte) []byte {
	return RawFrame(dst, uint32(len(body)), body)
}

// RawFrame appends an arbitrary length prefix followed by body, whether or not they agree.
func RawFrame(dst []byte, length uint32, body []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, length)
	return append(dst, body...)
}

// Decode decodes exactly one complete frame, length prefix included.
func Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return nil, decodeErr(KindTruncated, "header has %d of %d bytes", len(frame), HeaderSize)
	}
	n := binary.LittleEndian.Uint32(frame)
	if err := checkLength(n, MaxFrameSize); err != nil {
		return nil, err
	}
	body := frame[HeaderSize:]
	if uint32(len(body)) < n {
		return nil, decodeErr(KindTruncated, "body has %d of %d bytes", len(body), n)
	}
	if uint32(len(body)) > n {
		return nil, decodeErr(KindLengthMismatch, "body has %d bytes, prefix says %d", len(body), n)
	}
	return Unmarshal(body)
}

func checkLength(n, limit uint32) error {
	if n == 0 {
		return &DecodeError{Kind: KindEmptyFrame}
	}
	if n > limit {
		return decodeErr(KindFrameTooLarge, "%d bytes exceeds limit %d", n, limit)
	}
	return nil
}

type field struct {
	seen   bool
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// Unmarshal decodes a frame body. Unknown field numbers are skipped.
func Unmarshal(body []byte) (Message, error) {
	var fields [highestFieldSeen + 1]field
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, parseErr(n)
		}
		body = body[n:]
		if num > highestFieldSeen || (typ != protowire.VarintType && typ != protowire.BytesType) {
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, parseErr(n)
			}
			body = body[n:]
			continue
		}
		f := field{seen: true, typ: typ}
		if typ == protowire.VarintType {
			f.varint, n = protowire.ConsumeVarint(body)
		} else {
			f.bytes, n = protowire.ConsumeBytes(body)
		}
		if n < 0 {
			return nil, parseErr(n)
		}
		body = body[n:]
		fields[num] = f
	}

	t := fields[fieldType]
	if !t.seen {
		return nil, &DecodeError{Kind: KindMissingType}
	}
	if t.typ != protowire.VarintType {
		return nil, decodeErr(KindBadField, "type tag has wire type %d", t.typ)
	}
	if t.varint == 0 || t.varint > uint64(TypePong) {
		return nil, decodeErr(KindUnknownType, "type tag %d", t.varint)
	}
	d := decoder{fields: fields[:]}
	var m Message
	switch Type(t.varint) {
	case TypeHello:
		m = Hello{ClientID: string(d.bytes(fieldA, MaxClientIDSize))}
	case TypePropose:
		m = Propose{Op: d.bytes(fieldA, MaxOpSize), ExpectedVersion: protowire.DecodeZigZag(d.varint(fieldB))}
	case TypeAck:
		m = Ack{Version: d.varint(fieldA)}
	case TypeUpdate:
		m = Update{Version: d.varint(fieldA), Op: d.bytes(fieldB, MaxOpSize), Value: protowire.DecodeZigZag(d.varint(fieldC))}
	case TypeReject:
		reason := d.varint(fieldA)
		if reason > 0xff {
			return nil, decodeErr(KindBadField, "reason %d", reason)
		}
		m = Reject{Reason: Reason(reason), CurrentVersion: d.varint(fieldB), Detail: string(d.bytes(fieldC, MaxDetailSize))}
	case TypePing:
		m = Ping{Nonce: d.varint(fieldA)}
	case TypePong:
		m = Pong{Nonce: d.varint(fieldA)}
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

type decoder struct {
	fields []field
	err    *DecodeError
}

func (d *decoder) varint(num protowire.Number) uint64 {
	f := d.fields[num]
	if !f.seen || d.err != nil {
		return 0
	}
	if f.typ != protowire.VarintType {
		d.err = decodeErr(KindBadField, "field %d: want varint, got wire type %d", num, f.typ)
		return 0
	}
	return f.varint
}

func (d *decoder) bytes(num protowire.Number, limit int) []byte {
	f := d.fields[num]
	if !f.seen || d.err != nil {
		return nil
	}
	if f.typ != protowire.BytesType {
		d.err = decodeErr(KindBadField, "field %d: want bytes, got wire type %d", num, f.typ)
		return nil
	}
	if len(f.bytes) > limit {
		d.err = decodeErr(KindFieldTooLarge, "field %d has %d bytes, limit %d", num, len(f.bytes), limit)
		return nil
	}
	return append([]byte(nil), f.bytes...)
}

func parseErr(n int) *DecodeError {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Kind: KindTruncated, Err: err}
	}
	return &DecodeError{Kind: KindBadField, Err: err}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Reader reads frames from a byte stream regardless of how the transport chunks them.
type Reader struct {
	r        *bufio.Reader
	maxFrame uint32
	header   [HeaderSize]byte
}

// NewReader creates a Reader. A maxFrame of 0 selects MaxFrameSize.
func NewReader(r io.Reader, maxFrame uint32) *Reader {
	if maxFrame == 0 || maxFrame > MaxFrameSize {
		maxFrame = MaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), maxFrame: maxFrame}
}

// ReadMessage reads the next frame. Transport errors (io.EOF, a frame cut short by the
// stream closing, deadlines) are returned as-is; malformed frames yield a *DecodeError.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(r.header[:])
	if err := checkLength(n, r.maxFrame); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, err
	}
	return Unmarshal(body)
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return errors.Wrap(err, "encode message failed")
	}
	_, err = w.Write(frame)
	return errors.Wrap(err, "write frame failed")
}
