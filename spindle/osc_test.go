package spindle

import (
	"encoding/binary"
	"testing"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshal(t *testing.T, addr string, args ...any) []byte {
	t.Helper()
	b, err := osc.NewMessage(addr, args...).MarshalBinary()
	require.NoError(t, err)
	return b
}

func bundle(elems ...[]byte) []byte {
	pkt := []byte("#bundle\x00")
	pkt = append(pkt, 0, 0, 0, 0, 0, 0, 0, 1)
	for _, e := range elems {
		pkt = binary.BigEndian.AppendUint32(pkt, uint32(len(e)))
		pkt = append(pkt, e...)
	}
	return pkt
}

func TestDecodeOSC_Message(t *testing.T) {
	pkt := marshal(t, "/grid/led", int32(3), float32(0.5), "on", true)
	assert.Zero(t, len(pkt)%4, "packets are 4-byte aligned")

	msgs, err := decodeOSC(pkt)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "/grid/led", msgs[0].Address)
	assert.Equal(t, []any{int32(3), float32(0.5), "on", true}, msgs[0].Arguments)
}

func TestDecodeOSC_FlattensBundles(t *testing.T) {
	inner := bundle(marshal(t, "/c"))
	pkt := bundle(marshal(t, "/a", int32(1)), marshal(t, "/b"), inner)

	msgs, err := decodeOSC(pkt)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "/a", msgs[0].Address)
	assert.Equal(t, []any{int32(1)}, msgs[0].Arguments)
	assert.Equal(t, "/b", msgs[1].Address)
	assert.Equal(t, "/c", msgs[2].Address)
}

func TestDecodeOSC_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":     nil,
		"no slash":  []byte("abc\x00"),
		"junk":      []byte("junk"),
		"short int": []byte("/a\x00\x00,i\x00\x00\x00\x01"),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			msgs, err := decodeOSC(b)
			assert.Error(t, err)
			assert.Nil(t, msgs)
		})
	}
	_, err := decodeOSC(nil)
	assert.ErrorIs(t, err, ErrEmptyPacket)
}
