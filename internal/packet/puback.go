package packet

import (
	"encoding/binary"

	"github.com/mistbroker/mist/pkg/er"
)

// PubackPacket acknowledges a QoS 1 PUBLISH. Clients send it back to the
// broker for broker-originated QoS 1 deliveries; the broker sends it back
// to clients for client-originated QoS 1 publishes.
type PubackPacket struct {
	PacketID uint16
}

// NewPubAck encodes a PUBACK for the given packet id.
func NewPubAck(packetID uint16) []byte {
	return []byte{
		byte(PUBACK),          // Packet Type (PUBACK) + Flags
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Parse decodes a PUBACK received from a client.
func (p *PubackPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Puback", Message: er.ErrInvalidPacketLength}
	}

	if PacketType(raw[0]&0xF0) != PUBACK {
		return &er.Err{Context: "Puback", Message: er.ErrInvalidPacketType}
	}

	if raw[1] != 0x02 {
		return &er.Err{Context: "Puback, Remaining Length", Message: er.ErrInvalidPacketLength}
	}

	p.PacketID = binary.BigEndian.Uint16(raw[2:4])
	if p.PacketID == 0 {
		return &er.Err{Context: "Puback, PacketID", Message: er.ErrInvalidPacketID}
	}

	return nil
}
