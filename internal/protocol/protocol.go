package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/audio"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/vad"
)

const (
	// Packet types
	PacketTypeAudio   = 0x02
	PacketTypeControl = 0x03

	// Control commands
	CommandManualStart = 0x01
	CommandManualStop  = 0x02

	// Packet structure sizes
	HeaderSize             = 20 // 1 + 2 + 16 + 1 bytes
	AudioPayloadHeaderSize = 12 // Sequence (4) + TimestampMillis (8)
	ControlPayloadSize     = 1
	MaxPacketSize          = 0xFFFF

	// FlagRateMask selects the sample rate bits of the flags byte
	FlagRateMask = 0x03
)

// Sample rates selected by the low flag bits
var flagRates = [4]int{16000, 24000, 48000, 8000}

// Header represents the 20-byte packet header
// Layout: [PacketType:1][PacketLen:2][SessionID:16][Flags:1]
type Header struct {
	PacketType uint8     // 0x02=Audio, 0x03=Control
	PacketLen  uint16    // Total packet size (header + payload)
	SessionID  uuid.UUID // Session the packet belongs to
	Flags      uint8     // Low two bits select the sample rate
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][TimestampMillis:8][PCM16LE:N]
type AudioPayload struct {
	Sequence        uint32
	TimestampMillis uint64
	PCM             []byte
}

// ControlPayload represents the control packet payload
// Layout: [Command:1]
type ControlPayload struct {
	Command uint8
}

// Packet represents a fully parsed packet
type Packet struct {
	Header  *Header
	Audio   *AudioPayload   // Only set for audio packets
	Control *ControlPayload // Only set for control packets
}

// ParseHeader parses the packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		Flags:      data[19],
	}
	copy(header.SessionID[:], data[3:19])

	return header, nil
}

// ParseAudioPayload parses the audio packet payload
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}
	if (len(data)-AudioPayloadHeaderSize)%2 != 0 {
		return nil, fmt.Errorf("audio payload has odd pcm length %d", len(data)-AudioPayloadHeaderSize)
	}

	payload := &AudioPayload{
		Sequence:        binary.BigEndian.Uint32(data[0:4]),
		TimestampMillis: binary.BigEndian.Uint64(data[4:12]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.PCM = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.PCM, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParseControlPayload parses the control packet payload
func ParseControlPayload(data []byte) (*ControlPayload, error) {
	if len(data) != ControlPayloadSize {
		return nil, fmt.Errorf("control payload must be %d byte, got %d", ControlPayloadSize, len(data))
	}
	if !IsValidCommand(data[0]) {
		return nil, fmt.Errorf("unknown control command: 0x%02x", data[0])
	}
	return &ControlPayload{Command: data[0]}, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*Packet, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Validate packet length matches actual data
	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &Packet{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeControl:
		payload, err := ParseControlPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse control payload: %w", err)
		}
		packet.Control = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.SessionID == uuid.Nil {
		return fmt.Errorf("session id is empty")
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeControl:
		if payloadSize != ControlPayloadSize {
			return fmt.Errorf("control packet payload size mismatch: expected %d, got %d",
				ControlPayloadSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeAudio || ptype == PacketTypeControl
}

// IsValidCommand checks if the control command is valid
func IsValidCommand(cmd uint8) bool {
	return cmd == CommandManualStart || cmd == CommandManualStop
}

// SampleRate returns the sample rate selected by the header flags
func (h *Header) SampleRate() int {
	return flagRates[h.Flags&FlagRateMask]
}

// FlagsForRate returns the flags byte selecting sampleRate
func FlagsForRate(sampleRate int) (uint8, error) {
	for i, r := range flagRates {
		if r == sampleRate {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("unsupported sample rate %d", sampleRate)
}

// Frame converts an audio packet into a capture frame
func (p *Packet) Frame() (audio.Frame, error) {
	if p.Audio == nil {
		return audio.Frame{}, fmt.Errorf("not an audio packet")
	}

	samples, err := audio.PCMFromBytes(p.Audio.PCM)
	if err != nil {
		return audio.Frame{}, err
	}

	return audio.Frame{
		Sequence:   uint64(p.Audio.Sequence),
		Timestamp:  time.UnixMilli(int64(p.Audio.TimestampMillis)),
		Samples:    samples,
		SampleRate: p.Header.SampleRate(),
	}, nil
}

// CaptureControl converts a control packet into a gate control
func (p *Packet) CaptureControl() (vad.Control, error) {
	if p.Control == nil {
		return 0, fmt.Errorf("not a control packet")
	}

	switch p.Control.Command {
	case CommandManualStart:
		return vad.ManualStart, nil
	case CommandManualStop:
		return vad.ManualStop, nil
	default:
		return 0, fmt.Errorf("unknown control command: 0x%02x", p.Control.Command)
	}
}

// EncodeAudio builds an audio packet
func EncodeAudio(sessionID uuid.UUID, flags uint8, sequence uint32, timestampMillis uint64, pcm []byte) ([]byte, error) {
	total := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", total, MaxPacketSize)
	}

	data := make([]byte, total)
	putHeader(data, PacketTypeAudio, uint16(total), sessionID, flags)

	payload := data[HeaderSize:]
	binary.BigEndian.PutUint32(payload[0:4], sequence)
	binary.BigEndian.PutUint64(payload[4:12], timestampMillis)
	copy(payload[AudioPayloadHeaderSize:], pcm)

	return data, nil
}

// EncodeControl builds a control packet
func EncodeControl(sessionID uuid.UUID, command uint8) []byte {
	total := HeaderSize + ControlPayloadSize
	data := make([]byte, total)
	putHeader(data, PacketTypeControl, uint16(total), sessionID, 0)
	data[HeaderSize] = command
	return data
}

func putHeader(data []byte, ptype uint8, length uint16, sessionID uuid.UUID, flags uint8) {
	data[0] = ptype
	binary.BigEndian.PutUint16(data[1:3], length)
	copy(data[3:19], sessionID[:])
	data[19] = flags
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeControl:
		packetType = "Control"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, SessionID:%s, Flags:0x%02x}",
		packetType, h.PacketLen, h.SessionID, h.Flags)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, TimestampMillis:%d, PCMLen:%d}", a.Sequence, a.TimestampMillis, len(a.PCM))
}
