package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

var messages = []Message{
	Hello{ClientID: "7f1c7d3e-0c57-4a3b-9d67-5b1f8b1c2a10"},
	Propose{Op: []byte("set 1"), ExpectedVersion: 0},
	Propose{Op: []byte("add -3"), ExpectedVersion: -42},
	Ack{Version: 12},
	Update{Version: 1, Op: []byte("set 1"), Value: 1},
	Update{Version: 9, Op: []byte("add -100"), Value: -64},
	Reject{Reason: ReasonVersionConflict, CurrentVersion: 5, Detail: "expected 3"},
	Ping{Nonce: 99},
	Pong{Nonce: 99},
}

func TestEncodeDecode(t *testing.T) {
	for _, msg := range messages {
		frame, err := Encode(msg)
		require.NoError(t, err)
		got, err := Decode(frame)
		require.NoError(t, err)
		require.Equal(t, msg, got, msg.Type().String())
	}
}

func TestReaderReassemblesChunkedStream(t *testing.T) {
	var stream bytes.Buffer
	for _, msg := range messages {
		require.NoError(t, WriteMessage(&stream, msg))
	}
	r := NewReader(iotest.OneByteReader(&stream), 0)
	for _, want := range messages {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, io.EOF)
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	_, err := Encode(Hello{ClientID: strings.Repeat("x", MaxClientIDSize+1)})
	require.ErrorIs(t, err, ErrFieldTooLarge)
	_, err = Encode(Propose{Op: bytes.Repeat([]byte("1"), MaxOpSize+1)})
	require.ErrorIs(t, err, ErrFieldTooLarge)
}

type unknownMessage struct{}

func (unknownMessage) Type() Type { return Type(200) }

func TestEncodeUnknownMessage(t *testing.T) {
	_, err := Encode(unknownMessage{})
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func requireDecodeKind(t *testing.T, err error, kind DecodeKind) *DecodeError {
	t.Helper()
	var derr *DecodeError
	require.True(t, errors.As(err, &derr), "want *DecodeError, got %v", err)
	require.Equal(t, kind, derr.Kind, derr.Error())
	return derr
}

func body(fields ...func([]byte) []byte) []byte {
	var b []byte
	for _, f := range fields {
		b = f(b)
	}
	return b
}

func typeTag(t uint64) func([]byte) []byte {
	return func(b []byte) []byte { return appendVarint(b, fieldType, t) }
}

func TestDecodeErrors(t *testing.T) {
	hello, err := Encode(Hello{ClientID: "a"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		frame  []byte
		kind   DecodeKind
		resync bool
	}{
		{"short header", []byte{1, 0}, KindTruncated, true},
		{"empty frame", RawFrame(nil, 0, nil), KindEmptyFrame, true},
		{"too large", RawFrame(nil, MaxFrameSize+1, nil), KindFrameTooLarge, false},
		{"truncated body", hello[:len(hello)-1], KindTruncated, true},
		{"trailing bytes", append(append([]byte(nil), hello...), 0), KindLengthMismatch, true},
		{"unknown type", AppendFrame(nil, body(typeTag(42))), KindUnknownType, true},
		{"zero type", AppendFrame(nil, body(typeTag(0))), KindUnknownType, true},
		{"missing type", AppendFrame(nil, body(func(b []byte) []byte { return appendVarint(b, fieldA, 1) })), KindMissingType, true},
		{"type as bytes", AppendFrame(nil, body(func(b []byte) []byte { return appendBytes(b, fieldType, []byte{1}) })), KindBadField, true},
		{"field wire type mismatch", AppendFrame(nil, body(typeTag(uint64(TypeAck)), func(b []byte) []byte {
			return appendBytes(b, fieldA, []byte("x"))
		})), KindBadField, true},
		{"oversized op", AppendFrame(nil, body(typeTag(uint64(TypePropose)), func(b []byte) []byte {
			return appendBytes(b, fieldA, bytes.Repeat([]byte("1"), MaxOpSize+1))
		})), KindFieldTooLarge, true},
		{"cut varint", AppendFrame(nil, []byte{0x08, 0x80}), KindTruncated, true},
		{"cut length-delimited", AppendFrame(nil, append(body(typeTag(uint64(TypeHello))), 0x12, 0x05, 'a')), KindTruncated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			derr := requireDecodeKind(t, err, tt.kind)
			require.Equal(t, tt.resync, derr.Resync())
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := body(typeTag(uint64(TypePing)), func(b []byte) []byte {
		b = appendVarint(b, fieldA, 7)
		b = appendBytes(b, protowire.Number(15), []byte("future"))
		b = protowire.AppendTag(b, protowire.Number(16), protowire.Fixed32Type)
		return protowire.AppendFixed32(b, 1)
	})
	msg, err := Decode(AppendFrame(nil, b))
	require.NoError(t, err)
	require.Equal(t, Ping{Nonce: 7}, msg)
}

func TestReaderKeepsAlignmentAfterMalformedFrame(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(AppendFrame(nil, body(typeTag(77))))
	stream.Write(RawFrame(nil, 0, nil))
	require.NoError(t, WriteMessage(&stream, Ping{Nonce: 1}))

	r := NewReader(&stream, 0)
	_, err := r.ReadMessage()
	requireDecodeKind(t, err, KindUnknownType)
	_, err = r.ReadMessage()
	requireDecodeKind(t, err, KindEmptyFrame)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, Ping{Nonce: 1}, msg)
}

func TestReaderHonoursMaxFrame(t *testing.T) {
	frame, err := Encode(Update{Version: 1, Op: []byte("set 123456"), Value: 123456})
	require.NoError(t, err)
	r := NewReader(bytes.NewReader(frame), 8)
	_, err = r.ReadMessage()
	derr := requireDecodeKind(t, err, KindFrameTooLarge)
	require.False(t, derr.Resync())
}

func TestReaderTruncatedStream(t *testing.T) {
	frame, err := Encode(Hello{ClientID: "abc"})
	require.NoError(t, err)
	r := NewReader(bytes.NewReader(frame[:len(frame)-2]), 0)
	_, err = r.ReadMessage()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReasonAnswersProposal(t *testing.T) {
	for _, r := range []Reason{ReasonInvalidOp, ReasonVersionConflict, ReasonDuplicate, ReasonProtocolViolation, ReasonTooManyViolations, ReasonServerBusy} {
		require.True(t, r.AnswersProposal(), r.String())
	}
	for _, r := range []Reason{ReasonMalformedFrame, ReasonOutOfPhase, ReasonInvalidAck} {
		require.False(t, r.AnswersProposal(), r.String())
	}
}
