package schema

import (
	"fmt"

	"github.com/danmuck/peerlink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Frame message types.
const (
	MsgHello      uint32 = 1
	MsgMessage    uint32 = 2
	MsgReply      uint32 = 3
	MsgBackground uint32 = 4
	MsgState      uint32 = 5
	MsgHeartbeat  uint32 = 6
)

// Field IDs.
const (
	FieldTimestamp   uint16 = 1
	FieldSession     uint16 = 2
	FieldType        uint16 = 3
	FieldBody        uint16 = 4
	FieldAck         uint16 = 5
	FieldExpectReply uint16 = 6
	FieldEncoding    uint16 = 7
)

// Body encodings carried in FieldEncoding.
const (
	EncodingRaw uint8 = 0
	EncodingS2  uint8 = 1
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgMessage: {
		{FieldTimestamp, tlv.TypeU64},
		{FieldSession, tlv.TypeU64},
		{FieldType, tlv.TypeString},
		{FieldBody, tlv.TypeBytes},
	},
	MsgReply: {
		{FieldTimestamp, tlv.TypeU64},
	},
	MsgBackground: {
		{FieldTimestamp, tlv.TypeU64},
		{FieldSession, tlv.TypeU64},
		{FieldAck, tlv.TypeBool},
		{FieldBody, tlv.TypeBytes},
	},
	MsgState: {
		{FieldTimestamp, tlv.TypeU64},
		{FieldSession, tlv.TypeU64},
		{FieldAck, tlv.TypeBool},
		{FieldBody, tlv.TypeBytes},
	},
	MsgHeartbeat: {},
}

// optional lists fields that may be absent but must carry the right type when
// present.
var optional = map[uint16]uint8{
	FieldType:        tlv.TypeString,
	FieldExpectReply: tlv.TypeBool,
	FieldEncoding:    tlv.TypeU8,
}

func Name(messageType uint32) string {
	switch messageType {
	case MsgHello:
		return "hello"
	case MsgMessage:
		return "message"
	case MsgReply:
		return "reply"
	case MsgBackground:
		return "background"
	case MsgState:
		return "state"
	case MsgHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored so newer peers can add fields.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for id, want := range optional {
		if f, found := tlv.GetField(fields, id); found && f.Type != want {
			return ValidationError{MessageType: messageType, FieldID: id, Reason: "type mismatch"}
		}
	}
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
