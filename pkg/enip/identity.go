package enip

import (
	"encoding/binary"
	"hash/fnv"
	"net"
)

// Identity is the CIP Identity object of the adapter.
type Identity struct {
	VendorID      uint16
	DeviceType    uint16
	ProductCode   uint16
	RevisionMajor uint8
	RevisionMinor uint8
	Status        uint16
	SerialNumber  uint32
	ProductName   string
}

// Identity defaults: a Logix-class programmable logic controller.
const (
	DefaultVendorID    = 0x0001
	DefaultDeviceType  = 0x000E
	DefaultProductCode = 0x0037
)

// DefaultIdentity returns the identity announced for a PLC named name. The
// serial number is derived from the name so it is stable across restarts.
func DefaultIdentity(name string) Identity {
	h := fnv.New32a()
	h.Write([]byte(name))
	return Identity{
		VendorID:      DefaultVendorID,
		DeviceType:    DefaultDeviceType,
		ProductCode:   DefaultProductCode,
		RevisionMajor: 20,
		RevisionMinor: 11,
		Status:        0x0060,
		SerialNumber:  h.Sum32(),
		ProductName:   name,
	}
}

// deviceStateOperational is reported in ListIdentity.
const deviceStateOperational = 0x03

func (id Identity) name() []byte {
	n := id.ProductName
	if len(n) > 32 {
		n = n[:32]
	}
	return []byte(n)
}

// attributesAll renders Get_Attributes_All of instance 1.
func (id Identity) attributesAll() []byte {
	out := binary.LittleEndian.AppendUint16(nil, id.VendorID)
	out = binary.LittleEndian.AppendUint16(out, id.DeviceType)
	out = binary.LittleEndian.AppendUint16(out, id.ProductCode)
	out = append(out, id.RevisionMajor, id.RevisionMinor)
	out = binary.LittleEndian.AppendUint16(out, id.Status)
	out = binary.LittleEndian.AppendUint32(out, id.SerialNumber)
	name := id.name()
	out = append(out, byte(len(name)))
	return append(out, name...)
}

// attribute renders one attribute of instance 1.
func (id Identity) attribute(attr uint32) ([]byte, bool) {
	switch attr {
	case 1:
		return binary.LittleEndian.AppendUint16(nil, id.VendorID), true
	case 2:
		return binary.LittleEndian.AppendUint16(nil, id.DeviceType), true
	case 3:
		return binary.LittleEndian.AppendUint16(nil, id.ProductCode), true
	case 4:
		return []byte{id.RevisionMajor, id.RevisionMinor}, true
	case 5:
		return binary.LittleEndian.AppendUint16(nil, id.Status), true
	case 6:
		return binary.LittleEndian.AppendUint32(nil, id.SerialNumber), true
	case 7:
		name := id.name()
		return append([]byte{byte(len(name))}, name...), true
	}
	return nil, false
}

// listIdentityItem renders the CIP Identity item of ListIdentity. The socket
// address fields are big-endian.
func (id Identity) listIdentityItem(addr net.Addr) Item {
	ip := net.IPv4zero.To4()
	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if v4 := tcp.IP.To4(); v4 != nil {
			ip = v4
		}
		port = tcp.Port
	}

	out := binary.LittleEndian.AppendUint16(nil, ProtocolVersion)
	out = binary.BigEndian.AppendUint16(out, 2) // AF_INET
	out = binary.BigEndian.AppendUint16(out, uint16(port))
	out = append(out, ip...)
	out = append(out, make([]byte, 8)...)
	out = append(out, id.attributesAll()...)
	out = append(out, deviceStateOperational)
	return Item{Type: ItemListIdentity, Data: out}
}

// listServicesItem announces CIP encapsulation over TCP and class 0/1 UDP.
func listServicesItem() Item {
	out := binary.LittleEndian.AppendUint16(nil, ProtocolVersion)
	out = binary.LittleEndian.AppendUint16(out, 0x0120)
	name := make([]byte, 16)
	copy(name, "Communications")
	return Item{Type: ItemListServices, Data: append(out, name...)}
}
