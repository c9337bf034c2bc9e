package enip

import (
	"encoding/binary"
	"fmt"
)

// Common Packet Format item types.
const (
	ItemNullAddress      uint16 = 0x0000
	ItemListIdentity     uint16 = 0x000C
	ItemConnectedAddress uint16 = 0x00A1
	ItemConnectedData    uint16 = 0x00B1
	ItemUnconnectedData  uint16 = 0x00B2
	ItemListServices     uint16 = 0x0100
	ItemSockaddrOtoT     uint16 = 0x8000
	ItemSockaddrTtoO     uint16 = 0x8001
	ItemSequencedAddress uint16 = 0x8002
)

// Item is one CPF item.
type Item struct {
	Type uint16
	Data []byte
}

// DecodeItems parses a CPF item list.
func DecodeItems(b []byte) ([]Item, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: item count", ErrShortData)
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: item %d header", ErrShortData, i)
		}
		typ := binary.LittleEndian.Uint16(b[0:2])
		l := int(binary.LittleEndian.Uint16(b[2:4]))
		if len(b) < 4+l {
			return nil, fmt.Errorf("%w: item %d data", ErrShortData, i)
		}
		items = append(items, Item{Type: typ, Data: b[4 : 4+l]})
		b = b[4+l:]
	}
	return items, nil
}

// EncodeItems renders a CPF item list.
func EncodeItems(items ...Item) []byte {
	out := binary.LittleEndian.AppendUint16(nil, uint16(len(items)))
	for _, it := range items {
		out = binary.LittleEndian.AppendUint16(out, it.Type)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(it.Data)))
		out = append(out, it.Data...)
	}
	return out
}

// rrData is the body of SendRRData and SendUnitData.
type rrData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Items           []Item
}

func decodeRRData(b []byte) (rrData, error) {
	if len(b) < 6 {
		return rrData{}, fmt.Errorf("%w: interface handle", ErrShortData)
	}
	items, err := DecodeItems(b[6:])
	if err != nil {
		return rrData{}, err
	}
	return rrData{
		InterfaceHandle: binary.LittleEndian.Uint32(b[0:4]),
		Timeout:         binary.LittleEndian.Uint16(b[4:6]),
		Items:           items,
	}, nil
}

func (r rrData) encode() []byte {
	out := binary.LittleEndian.AppendUint32(nil, r.InterfaceHandle)
	out = binary.LittleEndian.AppendUint16(out, r.Timeout)
	return append(out, EncodeItems(r.Items...)...)
}

func findItem(items []Item, typ uint16) (Item, bool) {
	for _, it := range items {
		if it.Type == typ {
			return it, true
		}
	}
	return Item{}, false
}
