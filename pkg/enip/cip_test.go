package enip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	p, err := ParsePath(SymbolicPath("Turbine_Speed"))
	require.NoError(t, err)
	assert.Equal(t, "Turbine_Speed", p.Symbol)
	assert.True(t, p.IsSymbolic())

	even := append(SymbolicPath("Prog"), SymbolicPath("Tag1")...)
	even = append(even, 0x28, 0x00)
	p, err = ParsePath(even)
	require.NoError(t, err)
	assert.Equal(t, "Prog.Tag1", p.Symbol)
	assert.True(t, p.HasElement)
	assert.Equal(t, "Prog.Tag1[0]", p.String())

	p, err = ParsePath([]byte{0x20, 0x01, 0x24, 0x01, 0x30, 0x07})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.Class)
	assert.Equal(t, uint32(7), p.Attribute)
	assert.Equal(t, "class 0x01 instance 1 attribute 7", p.String())

	p, err = ParsePath([]byte{0x21, 0x00, 0x34, 0x12, 0x25, 0x00, 0x02, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234), p.Class)
	assert.Equal(t, uint32(2), p.Instance)

	for _, bad := range [][]byte{{0x91, 0x05, 'a'}, {0x20}, {0x99, 0x00}, {0x91, 0x00}} {
		_, err := ParsePath(bad)
		assert.ErrorIs(t, err, ErrBadPath, "%x", bad)
	}
}

func TestSymbolicPathPadsOddNames(t *testing.T) {
	assert.Equal(t, []byte{0x91, 3, 'a', 'b', 'c', 0}, SymbolicPath("abc"))
	assert.Equal(t, []byte{0x91, 2, 'a', 'b'}, SymbolicPath("ab"))
}

func TestRequestResponseEncoding(t *testing.T) {
	raw := EncodeRequest(SvcReadTag, SymbolicPath("abc"), []byte{1, 0})
	assert.Equal(t, []byte{0x4C, 3, 0x91, 3, 'a', 'b', 'c', 0, 1, 0}, raw)

	req, err := DecodeRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, SvcReadTag, req.Service)
	assert.Equal(t, "abc", req.Path.Symbol)
	assert.Equal(t, []byte{1, 0}, req.Data)

	_, err = DecodeRequest([]byte{0x4C, 5, 0x91})
	assert.ErrorIs(t, err, ErrBadPath)

	resp := failure(SvcWriteTag, GSGeneralError, ExtTypeMismatch).Encode()
	assert.Equal(t, []byte{0xCD, 0, 0xFF, 1, 0x07, 0x21}, resp)

	back, err := DecodeResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, SvcWriteTag, back.Service)
	assert.Equal(t, []uint16{ExtTypeMismatch}, back.Extended)
}

func TestPacketEncoding(t *testing.T) {
	p := Packet{Header: Header{Command: CmdRegisterSession, SessionHandle: 0x01020304, SenderContext: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}, Data: []byte{1, 0, 0, 0}}
	frame := p.Encode()
	require.Len(t, frame, HeaderSize+4)
	assert.Equal(t, []byte{0x65, 0x00, 0x04, 0x00, 0x04, 0x03, 0x02, 0x01}, frame[:8])

	back, err := DecodePacket(frame)
	require.NoError(t, err)
	assert.Equal(t, p.SenderContext, back.SenderContext)
	assert.Equal(t, uint16(4), back.Length)

	n, err := Format.PayloadLength(frame[:HeaderSize])
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestItemsRoundTrip(t *testing.T) {
	enc := EncodeItems(Item{Type: ItemNullAddress}, Item{Type: ItemUnconnectedData, Data: []byte{0x4C, 0}})
	items, err := DecodeItems(enc)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ItemUnconnectedData, items[1].Type)

	_, err = DecodeItems(enc[:len(enc)-1])
	assert.ErrorIs(t, err, ErrShortData)
}
