package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Protocol constants
const (
	// Packet types
	PacketTypeAudio = 0x02 // PCM frames
	PacketTypeEnd   = 0x03 // sender finished; no payload

	// Packet structure sizes
	HeaderSize     = 8 // 1 + 2 + 1 + 4 bytes
	BytesPerSample = 2 // signed 16-bit little-endian PCM

	// MaxChannels bounds the interleaved channel count of one packet
	MaxChannels = 32
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][Channels:1][Sequence:4]
type Header struct {
	PacketType uint8  // 0x02=Audio, 0x03=End
	PacketLen  uint16 // Total packet size (header + payload)
	Channels   uint8  // Interleaved channel count of the payload
	Sequence   uint32 // Packet sequence number
}

// Packet represents a fully parsed packet
type Packet struct {
	Header *Header
	PCM    []byte // Interleaved PCM16 payload, aliases the parsed buffer
}

// Frames returns the number of frames in the payload
func (p *Packet) Frames() int {
	if p.Header.Channels == 0 {
		return 0
	}
	return len(p.PCM) / (BytesPerSample * int(p.Header.Channels))
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		Channels:   data[3],
		Sequence:   binary.BigEndian.Uint32(data[4:8]),
	}

	return header, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	return &Packet{Header: header, PCM: data[HeaderSize:]}, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeAudio:
		if header.Channels == 0 || header.Channels > MaxChannels {
			return fmt.Errorf("channel count must be between 1 and %d, got %d", MaxChannels, header.Channels)
		}
		frameSize := BytesPerSample * int(header.Channels)
		if payloadSize%frameSize != 0 {
			return fmt.Errorf("audio payload of %d bytes is not a whole number of %d-byte frames",
				payloadSize, frameSize)
		}
	case PacketTypeEnd:
		if payloadSize != 0 {
			return fmt.Errorf("end packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// DecodePCM writes frames of the payload into dst starting at frame offset
// and returns the number of frames written. dst must have one slice per
// packet channel; frames that do not fit are left out.
func (p *Packet) DecodePCM(dst [][]float32, offset int) int {
	channels := int(p.Header.Channels)
	if len(dst) != channels {
		panic(fmt.Sprintf("protocol: decode %d channels into %d", channels, len(dst)))
	}

	frames := min(p.Frames(), len(dst[0])-offset)
	for i := range frames {
		base := i * channels * BytesPerSample
		for c := range channels {
			at := base + c*BytesPerSample
			s := int16(binary.LittleEndian.Uint16(p.PCM[at : at+BytesPerSample]))
			dst[c][offset+i] = float32(s) / 32768
		}
	}
	return max(frames, 0)
}

// EncodeAudio builds an audio packet from channel-major samples
func EncodeAudio(sequence uint32, samples [][]float32) ([]byte, error) {
	channels := len(samples)
	if channels == 0 || channels > MaxChannels {
		return nil, fmt.Errorf("channel count must be between 1 and %d, got %d", MaxChannels, channels)
	}

	frames := len(samples[0])
	size := HeaderSize + frames*channels*BytesPerSample
	if size > math.MaxUint16 {
		return nil, fmt.Errorf("packet of %d bytes exceeds %d", size, math.MaxUint16)
	}

	data := make([]byte, size)
	putHeader(data, &Header{
		PacketType: PacketTypeAudio,
		PacketLen:  uint16(size),
		Channels:   uint8(channels),
		Sequence:   sequence,
	})

	at := HeaderSize
	for i := range frames {
		for c := range channels {
			s := max(min(samples[c][i], 1), -1)
			binary.LittleEndian.PutUint16(data[at:], uint16(int16(s*32767)))
			at += BytesPerSample
		}
	}

	return data, nil
}

// EncodeEnd builds an end-of-stream packet
func EncodeEnd(sequence uint32) []byte {
	data := make([]byte, HeaderSize)
	putHeader(data, &Header{
		PacketType: PacketTypeEnd,
		PacketLen:  HeaderSize,
		Sequence:   sequence,
	})
	return data
}

func putHeader(dst []byte, h *Header) {
	dst[0] = h.PacketType
	binary.BigEndian.PutUint16(dst[1:3], h.PacketLen)
	dst[3] = h.Channels
	binary.BigEndian.PutUint32(dst[4:8], h.Sequence)
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, Channels:%d, Sequence:%d}",
		packetType, h.PacketLen, h.Channels, h.Sequence)
}
