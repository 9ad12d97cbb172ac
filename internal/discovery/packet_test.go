package discovery

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDiscoverRequest_WildcardLayout(t *testing.T) {
	pkt := EncodeDiscoverRequest(DeviceTypeWildcard, DeviceIDWildcard)

	// header(4) + tlv(6) + tlv(6) + crc(4)
	require.Len(t, pkt, 20)

	assert.Equal(t, TypeDiscoverRequest, binary.BigEndian.Uint16(pkt[0:2]))
	assert.Equal(t, uint16(12), binary.BigEndian.Uint16(pkt[2:4]))

	// Device type TLV: tag 0x01, length 4, wildcard value.
	assert.Equal(t, TagDeviceType, pkt[4])
	assert.Equal(t, uint8(4), pkt[5])
	assert.Equal(t, uint32(0xFFFFFFFF), binary.BigEndian.Uint32(pkt[6:10]))

	// Device id TLV: tag 0x02, length 4, wildcard value.
	assert.Equal(t, TagDeviceID, pkt[10])
	assert.Equal(t, uint8(4), pkt[11])
	assert.Equal(t, uint32(0xFFFFFFFF), binary.BigEndian.Uint32(pkt[12:16]))

	// Tail: little-endian IEEE CRC-32 of the first 16 bytes.
	wantCRC := crc32.ChecksumIEEE(pkt[:16])
	assert.Equal(t, wantCRC, binary.LittleEndian.Uint32(pkt[16:20]))
}

func TestReplyRoundTrip(t *testing.T) {
	pkt := EncodeDiscoverReply(DeviceTypeTuner, 0x1075A2C4, 4)

	reply, err := DecodeReply(pkt)
	require.NoError(t, err)
	assert.Equal(t, DeviceTypeTuner, reply.DeviceType)
	assert.Equal(t, "1075A2C4", reply.DeviceID)
	assert.Equal(t, 4, reply.TunerCount)

	// Re-encoding yields the identical byte layout and checksum.
	again := EncodeDiscoverReply(DeviceTypeTuner, 0x1075A2C4, 4)
	assert.Equal(t, pkt, again)
}

func TestDecodeReply_RejectsBadCRC(t *testing.T) {
	pkt := EncodeDiscoverReply(DeviceTypeTuner, 0x1075A2C4, 2)
	pkt[len(pkt)-1] ^= 0xFF

	_, err := DecodeReply(pkt)
	assert.ErrorContains(t, err, "crc mismatch")
}

func TestDecodeReply_RejectsRequestType(t *testing.T) {
	pkt := EncodeDiscoverRequest(DeviceTypeWildcard, DeviceIDWildcard)
	_, err := DecodeReply(pkt)
	assert.ErrorContains(t, err, "unexpected packet type")
}

func TestDecodeReply_TruncatedPayload(t *testing.T) {
	pkt := EncodeDiscoverReply(DeviceTypeTuner, 1, 1)
	// Corrupt the declared payload length, then fix the CRC so only the
	// structural check fires.
	binary.BigEndian.PutUint16(pkt[2:4], 200)
	body := pkt[:len(pkt)-4]
	binary.LittleEndian.PutUint32(pkt[len(pkt)-4:], crc32.ChecksumIEEE(body))

	_, err := DecodeReply(pkt)
	assert.Error(t, err)
}

func TestAppendTLV_ExtendedLength(t *testing.T) {
	value := make([]byte, 200)
	buf := appendTLV(nil, TagDeviceID, value)
	require.Len(t, buf, 1+2+200)
	assert.Equal(t, uint8(200&0x7F)|0x80, buf[1])
	assert.Equal(t, uint8(200>>7), buf[2])
}
