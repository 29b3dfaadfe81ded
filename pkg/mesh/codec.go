package mesh

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Frame type bytes. 0x03 (ANNOUNCE) is reserved by the wire protocol and
// intentionally has no decoder here.
const (
	FramePing         byte = 0x01
	FramePong         byte = 0x02
	frameAnnounce     byte = 0x03 // reserved, unused
	FrameRouteRequest byte = 0x04
	FrameRouteResponse byte = 0x05
	FrameRelayData    byte = 0x06
	FrameRelayAck     byte = 0x07
)

// MaxDatagramSize is the recommended upper bound for an encoded frame so it
// fits a typical path MTU.
const MaxDatagramSize = 1200

// EncodePingPong builds a PING or PONG frame: type + node_id + 0x00.
func EncodePingPong(frameType byte, nodeID NodeId) []byte {
	buf := make([]byte, 0, 1+len(nodeID)+1)
	buf = append(buf, frameType)
	buf = append(buf, []byte(nodeID)...)
	buf = append(buf, 0x00)
	return buf
}

// DecodePingPong extracts the claimed node id from a PING/PONG body (the
// frame type byte must already be stripped).
func DecodePingPong(body []byte) (NodeId, error) {
	idx := bytes.IndexByte(body, 0x00)
	if idx < 0 {
		return "", fmt.Errorf("%w: ping/pong missing terminator", ErrMalformedFrame)
	}
	return NodeId(body[:idx]), nil
}

// EncodeRouteRequest builds a ROUTE_REQUEST frame: type byte + sender_id +
// 0x00 + request_id + 0x00 + destination.
func EncodeRouteRequest(senderID NodeId, requestID, destination string) []byte {
	buf := make([]byte, 0, 1+len(senderID)+1+len(requestID)+1+len(destination))
	buf = append(buf, FrameRouteRequest)
	buf = append(buf, []byte(senderID)...)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(requestID)...)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(destination)...)
	return buf
}

// RouteRequestFields is the parsed body of a ROUTE_REQUEST frame.
type RouteRequestFields struct {
	SenderID    NodeId
	RequestID   string
	Destination string
}

// DecodeRouteRequest parses a ROUTE_REQUEST body (type byte already
// stripped).
func DecodeRouteRequest(body []byte) (RouteRequestFields, error) {
	parts := bytes.SplitN(body, []byte{0x00}, 3)
	if len(parts) != 3 {
		return RouteRequestFields{}, fmt.Errorf("%w: route_request needs 3 fields", ErrMalformedFrame)
	}
	return RouteRequestFields{
		SenderID:    NodeId(parts[0]),
		RequestID:   string(parts[1]),
		Destination: string(parts[2]),
	}, nil
}

// EncodeRouteResponse builds a ROUTE_RESPONSE frame: type byte + sender_id +
// 0x00 + request_id + 0x00 + destination + 0x00 + hops:u16-be + rtt_ms:f32-be.
func EncodeRouteResponse(senderID NodeId, requestID, destination string, hops uint16, rttMs float32) []byte {
	buf := make([]byte, 0, 1+len(senderID)+1+len(requestID)+1+len(destination)+2+4)
	buf = append(buf, FrameRouteResponse)
	buf = append(buf, []byte(senderID)...)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(requestID)...)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(destination)...)
	buf = append(buf, 0x00)
	var hopsBuf [2]byte
	binary.BigEndian.PutUint16(hopsBuf[:], hops)
	buf = append(buf, hopsBuf[:]...)
	var rttBuf [4]byte
	binary.BigEndian.PutUint32(rttBuf[:], math.Float32bits(rttMs))
	buf = append(buf, rttBuf[:]...)
	return buf
}

// RouteResponseFields is the parsed body of a ROUTE_RESPONSE frame.
type RouteResponseFields struct {
	SenderID    NodeId
	RequestID   string
	Destination string
	Hops        uint16
	RTTMs       float32
}

// DecodeRouteResponse parses a ROUTE_RESPONSE body (type byte already
// stripped).
func DecodeRouteResponse(body []byte) (RouteResponseFields, error) {
	parts := bytes.SplitN(body, []byte{0x00}, 4)
	if len(parts) != 4 {
		return RouteResponseFields{}, fmt.Errorf("%w: route_response needs 4 fields", ErrMalformedFrame)
	}
	tail := parts[3]
	if len(tail) != 6 {
		return RouteResponseFields{}, fmt.Errorf("%w: route_response trailer must be 6 bytes", ErrMalformedFrame)
	}
	hops := binary.BigEndian.Uint16(tail[0:2])
	rtt := math.Float32frombits(binary.BigEndian.Uint32(tail[2:6]))
	return RouteResponseFields{
		SenderID:    NodeId(parts[0]),
		RequestID:   string(parts[1]),
		Destination: string(parts[2]),
		Hops:        hops,
		RTTMs:       rtt,
	}, nil
}

// EncodeRelayAck builds a RELAY_ACK frame: type byte + message_id + 0x00 +
// success:u8.
func EncodeRelayAck(messageID string, success bool) []byte {
	buf := make([]byte, 0, 1+len(messageID)+1+1)
	buf = append(buf, FrameRelayAck)
	buf = append(buf, []byte(messageID)...)
	buf = append(buf, 0x00)
	if success {
		buf = append(buf, 0x01)
	} else {
		buf = append(buf, 0x00)
	}
	return buf
}

// RelayAckFields is the parsed body of a RELAY_ACK frame.
type RelayAckFields struct {
	MessageID string
	Success   bool
}

// DecodeRelayAck parses a RELAY_ACK body (type byte already stripped).
func DecodeRelayAck(body []byte) (RelayAckFields, error) {
	idx := bytes.IndexByte(body, 0x00)
	if idx < 0 || idx+2 > len(body) {
		return RelayAckFields{}, fmt.Errorf("%w: relay_ack malformed", ErrMalformedFrame)
	}
	return RelayAckFields{
		MessageID: string(body[:idx]),
		Success:   body[idx+1] != 0x00,
	}, nil
}

// wireRelayMessage is the self-describing on-wire shape of RelayMessage.
// Kept distinct from RelayMessage itself so the public struct can use
// time.Time/NodeId while the wire form stays forward-compatible JSON.
type wireRelayMessage struct {
	MessageID    string         `json:"message_id"`
	MsgType      string         `json:"msg_type"`
	OriginNodeID string         `json:"origin_node_id"`
	Destination  string         `json:"destination"`
	HopCount     int            `json:"hop_count"`
	MaxHops      int            `json:"max_hops"`
	Payload      map[string]any `json:"payload"`
	PathTrace    []string       `json:"path_trace"`
	Timestamp    string         `json:"timestamp"`
}

const relayTimestampLayout = "2006-01-02T15:04:05.999999999Z07:00"

// ToBytes serializes a RelayMessage for UDP transmission (without the
// RELAY_DATA type byte, which callers prepend separately).
func (m *RelayMessage) ToBytes() ([]byte, error) {
	trace := make([]string, len(m.PathTrace))
	for i, n := range m.PathTrace {
		trace[i] = string(n)
	}
	w := wireRelayMessage{
		MessageID:    m.MessageID.String(),
		MsgType:      m.MsgType,
		OriginNodeID: string(m.OriginNodeID),
		Destination:  m.Destination,
		HopCount:     m.HopCount,
		MaxHops:      m.MaxHops,
		Payload:      m.Payload,
		PathTrace:    trace,
		Timestamp:    m.Timestamp.Format(relayTimestampLayout),
	}
	return json.Marshal(w)
}

// RelayMessageFromBytes deserializes a RelayMessage from its wire form.
func RelayMessageFromBytes(data []byte) (*RelayMessage, error) {
	var w wireRelayMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: relay_data: %v", ErrMalformedFrame, err)
	}
	ts, err := parseRelayTimestamp(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: relay_data timestamp: %v", ErrMalformedFrame, err)
	}
	id, err := uuid.Parse(w.MessageID)
	if err != nil {
		return nil, fmt.Errorf("%w: relay_data message_id: %v", ErrMalformedFrame, err)
	}
	trace := make([]NodeId, len(w.PathTrace))
	for i, n := range w.PathTrace {
		trace[i] = NodeId(n)
	}
	return &RelayMessage{
		MessageID:    id,
		MsgType:      w.MsgType,
		OriginNodeID: NodeId(w.OriginNodeID),
		Destination:  w.Destination,
		HopCount:     w.HopCount,
		MaxHops:      w.MaxHops,
		Payload:      w.Payload,
		PathTrace:    trace,
		Timestamp:    ts,
	}, nil
}

func parseRelayTimestamp(s string) (time.Time, error) {
	return time.Parse(relayTimestampLayout, s)
}
