package mqtt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxRemainingLength is the largest value four length bytes can encode.
const MaxRemainingLength = 268435455

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) == 0 {
		return 0
	}
	if len(bytes) == 1 {
		return uint16(bytes[0])
	}
	return binary.BigEndian.Uint16(bytes)
}

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadPacket reads one framed control packet. A maxSize of zero disables the
// size check. Framing violations are reported as ErrProtocol, I/O failures
// are returned unchanged so callers can classify them.
func ReadPacket(r io.Reader, maxSize int) (*Packet, error) {
	first, err := ReadByte(r)
	if err != nil {
		return nil, err
	}

	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, fmt.Errorf("%w: packet of %d bytes exceeds limit %d", ErrProtocol, remaining, maxSize)
	}

	header := &FixedHeader{
		Type:            PacketType(first >> 4),
		Flags:           first & 0x0F,
		RemainingLength: remaining,
	}
	if _, ok := PacketTypeMap[header.Type]; !ok {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrProtocol, first>>4)
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("%w: flags %04b of %s packet is not valid", ErrProtocol, header.Flags, header.Type)
	}

	payload := make([]byte, remaining)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Packet{
		Header: header,
		Payload: &Payload{
			Context:    payload,
			ContextLen: len(payload),
			CurrentPtr: 0,
		},
	}, nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, fmt.Errorf("%w: the remaining length exceeds the 4 byte limit", ErrProtocol)
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

func ValidateFlags(pt PacketType, flags byte) bool {
	if pt == PUBLISH {
		// QoS 3 is reserved
		return (flags>>1)&0x03 != 0x03
	}
	required, ok := requiredFlags[pt]
	return ok && flags == required
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

// Remaining returns the unread bytes.
func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}
