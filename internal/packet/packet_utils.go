package packet

import (
	"fmt"
	"unicode/utf8"

	"github.com/life-stream-dev/lsmq/internal/mqtt"
)

func malformed(format string, v ...any) error {
	return fmt.Errorf("%w: %s", mqtt.ErrProtocol, fmt.Sprintf(format, v...))
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, malformed("invalid packet context length")
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, malformed("invalid reading length %d", length)
	}
	end := payload.CurrentPtr + length
	if end > payload.ContextLen {
		return nil, malformed("invalid packet context length")
	}
	data := payload.Context[payload.CurrentPtr:end]
	payload.CurrentPtr = end
	return data, nil
}

func readPacketUint16(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, err
	}
	return mqtt.ByteToUInt16(data), nil
}

// readPacketPayload reads a length-prefixed binary field.
func readPacketPayload(payload *mqtt.Payload) ([]byte, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return nil, malformed("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return nil, malformed("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr = end
	return payload.Context[startByte+2 : end], nil
}

// readPacketString reads a length-prefixed UTF-8 string.
func readPacketString(payload *mqtt.Payload) (string, error) {
	data, err := readPacketPayload(payload)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", malformed("string is not valid UTF-8")
	}
	return string(data), nil
}

func appendField(buf []byte, data []byte) []byte {
	buf = append(buf, mqtt.UInt16ToByte(uint16(len(data)))...)
	return append(buf, data...)
}

// frame prefixes a variable header and payload with its fixed header.
func frame(pt mqtt.PacketType, flags byte, body []byte) []byte {
	packet := make([]byte, 0, len(body)+5)
	packet = append(packet, mqtt.HeaderByte(pt, flags))
	packet = append(packet, mqtt.EncodeRemainingLength(len(body))...)
	return append(packet, body...)
}

func copyBytes(data []byte) []byte {
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
