package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// MQTT 3.1.1 control packet types handled by the broker.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

// packetReader consumes the variable header and payload of one control
// packet.
type packetReader []byte

func (p *packetReader) readByte() (byte, error) {
	if len(*p) == 0 {
		return 0, io.EOF
	}
	v := (*p)[0]
	*p = (*p)[1:]
	return v, nil
}

func (p *packetReader) readUint16() (uint16, error) {
	if len(*p) < 2 {
		return 0, io.EOF
	}
	v := uint16((*p)[0])<<8 | uint16((*p)[1])
	*p = (*p)[2:]
	return v, nil
}

func (p *packetReader) readString() (string, error) {
	l, err := p.readUint16()
	if err != nil {
		return "", err
	}
	if len(*p) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*p)[:l])
	*p = (*p)[l:]
	return s, nil
}

func (p *packetReader) readBytes(n int) []byte {
	if len(*p) < n {
		n = len(*p)
	}
	out := make([]byte, n)
	copy(out, (*p)[:n])
	*p = (*p)[n:]
	return out
}

func (p *packetReader) remaining() int {
	return len(*p)
}

// parsePublish extracts the topic and payload from a QoS 0 PUBLISH body.
func parsePublish(header byte, body []byte) (Message, error) {
	if qos := (header >> 1) & 0x03; qos != 0 {
		return Message{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := packetReader(body)
	topic, err := rd.readString()
	if err != nil {
		return Message{}, fmt.Errorf("read topic: %w", err)
	}

	if rd.remaining() == 0 {
		return Message{Topic: topic}, nil
	}

	return Message{Topic: topic, Payload: rd.readBytes(rd.remaining())}, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func buildSubAck(packetID uint16, topics int) ([]byte, error) {
	if topics <= 0 {
		return nil, fmt.Errorf("no topics to ack")
	}
	remaining := 2 + topics
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for i := 0; i < topics; i++ {
		packet = append(packet, 0x00)
	}
	return packet, nil
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}

// topicMatches reports whether a subscription filter matches a topic,
// honoring the "+" single-level and trailing "#" multi-level wildcards.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return i == len(filterParts)-1
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}

	return len(filterParts) == len(topicParts)
}
