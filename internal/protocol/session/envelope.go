package session

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/danmuck/peerlink/internal/protocol/frame"
	"github.com/danmuck/peerlink/internal/protocol/schema"
	"github.com/danmuck/peerlink/internal/protocol/tlv"
)

// Envelope is the decoded form of every link frame. Kind is a schema.Msg*
// value; which fields matter depends on it.
type Envelope struct {
	Kind        uint32
	Timestamp   int64
	Session     int64
	Type        string
	Body        []byte
	Ack         bool
	ExpectReply bool
}

// EncodeEnvelope builds a validated frame for env. Bodies of at least
// compressThreshold bytes are s2 compressed when that makes them smaller;
// a threshold of zero disables compression.
func EncodeEnvelope(env Envelope, compressThreshold int) (frame.Frame, error) {
	var fields []tlv.Field
	switch env.Kind {
	case schema.MsgReply:
		fields = []tlv.Field{tlv.U64(schema.FieldTimestamp, uint64(env.Timestamp))}
	case schema.MsgHeartbeat:
	case schema.MsgMessage, schema.MsgBackground, schema.MsgState:
		body, encoding := compressBody(env.Body, compressThreshold)
		fields = []tlv.Field{
			tlv.U64(schema.FieldTimestamp, uint64(env.Timestamp)),
			tlv.U64(schema.FieldSession, uint64(env.Session)),
			tlv.Bytes(schema.FieldBody, body),
		}
		if env.Type != "" {
			fields = append(fields, tlv.String(schema.FieldType, env.Type))
		}
		if env.Kind != schema.MsgMessage {
			fields = append(fields, tlv.Bool(schema.FieldAck, env.Ack))
		}
		if env.ExpectReply {
			fields = append(fields, tlv.Bool(schema.FieldExpectReply, true))
		}
		if encoding != schema.EncodingRaw {
			fields = append(fields, tlv.U8(schema.FieldEncoding, encoding))
		}
	default:
		return frame.Frame{}, fmt.Errorf("session: encode unsupported message_type=%d", env.Kind)
	}
	if err := schema.Validate(env.Kind, fields); err != nil {
		return frame.Frame{}, err
	}
	f := frame.New(env.Kind, uint64(env.Timestamp), tlv.EncodeFields(fields))
	if env.Kind == schema.MsgReply {
		f.Header.Flags |= frame.FlagIsReply
	}
	return f, nil
}

// DecodeEnvelope validates and decodes a frame. Any error here is a protocol
// violation: the item cannot be identified.
func DecodeEnvelope(f frame.Frame) (Envelope, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	kind := f.Header.MessageType
	if err := schema.Validate(kind, fields); err != nil {
		return Envelope{}, err
	}
	env := Envelope{Kind: kind}
	if kind == schema.MsgHeartbeat {
		return env, nil
	}
	ts, err := u64Field(fields, schema.FieldTimestamp)
	if err != nil {
		return Envelope{}, err
	}
	env.Timestamp = int64(ts)
	if kind == schema.MsgReply {
		return env, nil
	}

	session, err := u64Field(fields, schema.FieldSession)
	if err != nil {
		return Envelope{}, err
	}
	env.Session = int64(session)
	if fld, ok := tlv.GetField(fields, schema.FieldType); ok {
		env.Type = string(fld.Value)
	}
	if env.Ack, err = boolField(fields, schema.FieldAck); err != nil {
		return Envelope{}, err
	}
	if env.ExpectReply, err = boolField(fields, schema.FieldExpectReply); err != nil {
		return Envelope{}, err
	}
	body, _ := tlv.GetField(fields, schema.FieldBody)
	encoding := schema.EncodingRaw
	if fld, ok := tlv.GetField(fields, schema.FieldEncoding); ok {
		if encoding, err = tlv.U8FromBytes(fld.Value); err != nil {
			return Envelope{}, err
		}
	}
	if env.Body, err = decompressBody(body.Value, encoding); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func compressBody(body []byte, threshold int) ([]byte, uint8) {
	if threshold <= 0 || len(body) < threshold {
		return body, schema.EncodingRaw
	}
	packed := s2.Encode(nil, body)
	if len(packed) >= len(body) {
		return body, schema.EncodingRaw
	}
	return packed, schema.EncodingS2
}

func decompressBody(body []byte, encoding uint8) ([]byte, error) {
	switch encoding {
	case schema.EncodingRaw:
		return body, nil
	case schema.EncodingS2:
		out, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("session: decode s2 body: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("session: unknown body encoding %d", encoding)
	}
}

func u64Field(fields []tlv.Field, id uint16) (uint64, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.U64FromBytes(f.Value)
}

func boolField(fields []tlv.Field, id uint16) (bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return false, nil
	}
	return tlv.BoolFromBytes(f.Value)
}
