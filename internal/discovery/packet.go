// Package discovery locates tuner/DVR appliances on the local network via
// the vendor UDP broadcast protocol, with HTTP fallbacks through the vendor
// cloud and a bounded subnet scan.
package discovery

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Protocol constants for the UDP discovery exchange on port 65001.
const (
	DiscoveryPort = 65001

	TypeDiscoverRequest uint16 = 0x0002
	TypeDiscoverReply   uint16 = 0x0003

	TagDeviceType uint8 = 0x01
	TagDeviceID   uint8 = 0x02
	TagTunerCount uint8 = 0x03

	DeviceTypeWildcard uint32 = 0xFFFFFFFF
	DeviceTypeTuner    uint32 = 0x00000001
	DeviceTypeStorage  uint32 = 0x00000005
	DeviceIDWildcard   uint32 = 0xFFFFFFFF
)

// Reply is the parsed payload of a discover reply.
type Reply struct {
	DeviceType uint32
	DeviceID   string // 8-char uppercase hex
	TunerCount int
}

// appendTLV writes tag, a one- or two-octet length, and the value.
// Lengths up to 127 use a single octet; larger lengths set the high bit of
// the first octet and carry the remaining bits in the second.
func appendTLV(buf []byte, tag uint8, value []byte) []byte {
	buf = append(buf, tag)
	n := len(value)
	if n <= 0x7F {
		buf = append(buf, uint8(n))
	} else {
		buf = append(buf, uint8(n&0x7F)|0x80, uint8(n>>7))
	}
	return append(buf, value...)
}

// EncodeDiscoverRequest builds a broadcast discover-request packet asking
// for the given device type and id (use the wildcard constants to match
// every appliance). Layout: header | TLV payload | little-endian CRC-32.
func EncodeDiscoverRequest(deviceType, deviceID uint32) []byte {
	var dt, di [4]byte
	binary.BigEndian.PutUint32(dt[:], deviceType)
	binary.BigEndian.PutUint32(di[:], deviceID)

	var payload []byte
	payload = appendTLV(payload, TagDeviceType, dt[:])
	payload = appendTLV(payload, TagDeviceID, di[:])

	pkt := make([]byte, 4, 4+len(payload)+4)
	binary.BigEndian.PutUint16(pkt[0:2], TypeDiscoverRequest)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(payload)))
	pkt = append(pkt, payload...)

	// IEEE CRC-32 (poly 0xEDB88320 reflected, init/final 0xFFFFFFFF),
	// appended little-endian.
	crc := crc32.ChecksumIEEE(pkt)
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], crc)
	return append(pkt, tail[:]...)
}

// DecodeReply validates the checksum and parses the TLV payload of a
// discover reply.
func DecodeReply(pkt []byte) (Reply, error) {
	var reply Reply
	if len(pkt) < 8 {
		return reply, fmt.Errorf("packet too short: %d bytes", len(pkt))
	}

	body := pkt[:len(pkt)-4]
	wantCRC := binary.LittleEndian.Uint32(pkt[len(pkt)-4:])
	if crc := crc32.ChecksumIEEE(body); crc != wantCRC {
		return reply, fmt.Errorf("crc mismatch: got %08x want %08x", crc, wantCRC)
	}

	pktType := binary.BigEndian.Uint16(body[0:2])
	if pktType != TypeDiscoverReply {
		return reply, fmt.Errorf("unexpected packet type %#04x", pktType)
	}
	payloadLen := int(binary.BigEndian.Uint16(body[2:4]))
	if payloadLen != len(body)-4 {
		return reply, fmt.Errorf("payload length %d does not match body %d", payloadLen, len(body)-4)
	}

	payload := body[4:]
	for len(payload) > 0 {
		if len(payload) < 2 {
			return reply, fmt.Errorf("truncated tlv header")
		}
		tag := payload[0]
		length := int(payload[1])
		rest := payload[2:]
		if length > 0x7F {
			if len(payload) < 3 {
				return reply, fmt.Errorf("truncated extended length")
			}
			length = (length & 0x7F) | int(payload[2])<<7
			rest = payload[3:]
		}
		if len(rest) < length {
			return reply, fmt.Errorf("truncated tlv value for tag %#02x", tag)
		}
		value := rest[:length]
		payload = rest[length:]

		switch tag {
		case TagDeviceType:
			if length == 4 {
				reply.DeviceType = binary.BigEndian.Uint32(value)
			}
		case TagDeviceID:
			if length == 4 {
				reply.DeviceID = fmt.Sprintf("%08X", binary.BigEndian.Uint32(value))
			}
		case TagTunerCount:
			if length >= 1 {
				reply.TunerCount = int(value[0])
			}
		}
	}

	return reply, nil
}

// EncodeDiscoverReply builds a reply packet; used by tests and the loopback
// path of the subnet scanner.
func EncodeDiscoverReply(deviceType uint32, deviceID uint32, tunerCount int) []byte {
	var dt, di [4]byte
	binary.BigEndian.PutUint32(dt[:], deviceType)
	binary.BigEndian.PutUint32(di[:], deviceID)

	var payload []byte
	payload = appendTLV(payload, TagDeviceType, dt[:])
	payload = appendTLV(payload, TagDeviceID, di[:])
	payload = appendTLV(payload, TagTunerCount, []byte{uint8(tunerCount)})

	pkt := make([]byte, 4, 4+len(payload)+4)
	binary.BigEndian.PutUint16(pkt[0:2], TypeDiscoverReply)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(payload)))
	pkt = append(pkt, payload...)

	crc := crc32.ChecksumIEEE(pkt)
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], crc)
	return append(pkt, tail[:]...)
}
