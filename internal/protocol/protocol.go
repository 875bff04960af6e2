package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Protocol constants. Every message on the wire is a 5-byte header
// followed by the payload: [MsgType:1][PayloadLen:4].
const (
	// Client -> server message types
	MsgTypeAudioFrame = 0x01
	MsgTypeControl    = 0x02

	// Server -> client message types
	MsgTypePartialTranscript = 0x10
	MsgTypeFinalTranscript   = 0x11
	MsgTypeError             = 0x12
	MsgTypeStatus            = 0x13

	// Header and payload sizes
	HeaderSize           = 5
	AudioFrameHeaderSize = 4 // sequence number (4 bytes) before PCM data
	MaxPayloadSize       = 1 << 20
)

// Control actions carried in control message payloads
const (
	ActionEndOfStream = "end_of_stream"
	ActionSetLanguage = "set_language"
)

// Header represents the 5-byte message header
// Layout: [MsgType:1][PayloadLen:4]
type Header struct {
	MsgType    uint8  // Message type constant
	PayloadLen uint32 // Payload size in bytes (excluding header)
}

// AudioFramePayload represents the audio frame payload
// Layout: [Sequence:4][PCM16LE:N]
type AudioFramePayload struct {
	Sequence uint32 // Monotonically increasing frame sequence number
	PCM      []byte // 16-bit little-endian mono PCM samples
}

// ControlPayload represents a control message payload (JSON encoded)
type ControlPayload struct {
	Action   string `json:"action"`
	Language string `json:"language,omitempty"`
}

// TranscriptPayload is the outbound transcript payload (JSON encoded).
// Partial transcripts carry text for a forced-cut segment whose utterance
// is still open; final transcripts close an utterance.
type TranscriptPayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	StartMs  int64  `json:"start_ms"`
	EndMs    int64  `json:"end_ms"`
}

// ErrorPayload is the outbound error payload (JSON encoded). Kind is a
// stable machine-readable category; Message is human-readable and never
// includes internal stack detail.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusPayload is the outbound status payload (JSON encoded)
type StatusPayload struct {
	State string `json:"state"` // "ready", "draining", "closed"
}

// Message represents a fully parsed protocol message
type Message struct {
	Header     Header
	Audio      *AudioFramePayload // Only set for audio frame messages
	Control    *ControlPayload    // Only set for control messages
	Transcript *TranscriptPayload // Only set for transcript messages
	Error      *ErrorPayload      // Only set for error messages
	Status     *StatusPayload     // Only set for status messages
}

// ParseHeader parses the 5-byte message header
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	h := Header{
		MsgType:    data[0],
		PayloadLen: binary.BigEndian.Uint32(data[1:5]),
	}

	if err := ValidateHeader(h); err != nil {
		return Header{}, err
	}

	return h, nil
}

// ValidateHeader validates the message header fields
func ValidateHeader(h Header) error {
	if !IsValidMsgType(h.MsgType) {
		return fmt.Errorf("invalid message type: 0x%02x", h.MsgType)
	}

	if h.PayloadLen > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d bytes (max %d)", h.PayloadLen, MaxPayloadSize)
	}

	if h.MsgType == MsgTypeAudioFrame && h.PayloadLen < AudioFrameHeaderSize {
		return fmt.Errorf("audio frame payload too small: %d bytes (minimum %d)",
			h.PayloadLen, AudioFrameHeaderSize)
	}

	return nil
}

// IsValidMsgType checks if the message type is known
func IsValidMsgType(t uint8) bool {
	switch t {
	case MsgTypeAudioFrame, MsgTypeControl,
		MsgTypePartialTranscript, MsgTypeFinalTranscript,
		MsgTypeError, MsgTypeStatus:
		return true
	}
	return false
}

// ParseAudioFramePayload parses an audio frame payload (4-byte sequence + PCM data)
func ParseAudioFramePayload(data []byte) (*AudioFramePayload, error) {
	if len(data) < AudioFrameHeaderSize {
		return nil, fmt.Errorf("audio frame payload too short: expected at least %d bytes, got %d",
			AudioFrameHeaderSize, len(data))
	}

	pcm := data[AudioFrameHeaderSize:]
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even, got %d bytes", len(pcm))
	}

	payload := &AudioFramePayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}
	if len(pcm) > 0 {
		payload.PCM = make([]byte, len(pcm))
		copy(payload.PCM, pcm)
	}

	return payload, nil
}

// ParseControlPayload parses a control message payload
func ParseControlPayload(data []byte) (*ControlPayload, error) {
	var payload ControlPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse control payload: %w", err)
	}

	switch payload.Action {
	case ActionEndOfStream:
	case ActionSetLanguage:
		if payload.Language == "" {
			return nil, fmt.Errorf("set_language control requires a language")
		}
	default:
		return nil, fmt.Errorf("unknown control action: %q", payload.Action)
	}

	return &payload, nil
}

// ReadMessage reads and parses one complete message from the stream.
// It blocks until a full message is available or the reader fails.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	header, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, header.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	return parsePayload(header, payload)
}

// ParseMessage parses a complete message (header + payload) from a byte slice
func ParseMessage(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("message too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	if int(header.PayloadLen) != len(data)-HeaderSize {
		return nil, fmt.Errorf("payload length mismatch: header says %d bytes, got %d bytes",
			header.PayloadLen, len(data)-HeaderSize)
	}

	return parsePayload(header, data[HeaderSize:])
}

func parsePayload(header Header, payload []byte) (*Message, error) {
	msg := &Message{Header: header}

	switch header.MsgType {
	case MsgTypeAudioFrame:
		p, err := ParseAudioFramePayload(payload)
		if err != nil {
			return nil, err
		}
		msg.Audio = p

	case MsgTypeControl:
		p, err := ParseControlPayload(payload)
		if err != nil {
			return nil, err
		}
		msg.Control = p

	case MsgTypePartialTranscript, MsgTypeFinalTranscript:
		var p TranscriptPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse transcript payload: %w", err)
		}
		msg.Transcript = &p

	case MsgTypeError:
		var p ErrorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse error payload: %w", err)
		}
		msg.Error = &p

	case MsgTypeStatus:
		var p StatusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse status payload: %w", err)
		}
		msg.Status = &p
	}

	return msg, nil
}

// EncodeAudioFrame encodes an audio frame message
func EncodeAudioFrame(sequence uint32, pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even, got %d bytes", len(pcm))
	}

	payloadLen := AudioFrameHeaderSize + len(pcm)
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("audio frame too large: %d bytes (max %d)", payloadLen, MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+payloadLen)
	buf[0] = MsgTypeAudioFrame
	binary.BigEndian.PutUint32(buf[1:5], uint32(payloadLen))
	binary.BigEndian.PutUint32(buf[5:9], sequence)
	copy(buf[HeaderSize+AudioFrameHeaderSize:], pcm)

	return buf, nil
}

// EncodeControl encodes a control message
func EncodeControl(payload ControlPayload) ([]byte, error) {
	return encodeJSON(MsgTypeControl, payload)
}

// EncodeTranscript encodes a transcript message. Final transcripts close an
// utterance; partial transcripts belong to an utterance that continues.
func EncodeTranscript(payload TranscriptPayload, isFinal bool) ([]byte, error) {
	msgType := uint8(MsgTypePartialTranscript)
	if isFinal {
		msgType = MsgTypeFinalTranscript
	}
	return encodeJSON(msgType, payload)
}

// EncodeError encodes an error message
func EncodeError(payload ErrorPayload) ([]byte, error) {
	return encodeJSON(MsgTypeError, payload)
}

// EncodeStatus encodes a status message
func EncodeStatus(payload StatusPayload) ([]byte, error) {
	return encodeJSON(MsgTypeStatus, payload)
}

func encodeJSON(msgType uint8, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(data), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(data))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(data)))
	copy(buf[HeaderSize:], data)

	return buf, nil
}

// String returns a human-readable representation of the header
func (h Header) String() string {
	return fmt.Sprintf("Header{Type:%s, PayloadLen:%d}", msgTypeString(h.MsgType), h.PayloadLen)
}

func msgTypeString(t uint8) string {
	switch t {
	case MsgTypeAudioFrame:
		return "AudioFrame"
	case MsgTypeControl:
		return "Control"
	case MsgTypePartialTranscript:
		return "PartialTranscript"
	case MsgTypeFinalTranscript:
		return "FinalTranscript"
	case MsgTypeError:
		return "Error"
	case MsgTypeStatus:
		return "Status"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", t)
	}
}
