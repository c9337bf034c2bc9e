package enip

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cyroid-lab/plcsim/pkg/transport"
)

// HeaderSize is the encapsulation header length.
const HeaderSize = 24

// MaxDataSize is the largest encapsulation payload.
const MaxDataSize = 65511

// Command is an encapsulation command code.
type Command uint16

// Encapsulation commands.
const (
	CmdNOP               Command = 0x0000
	CmdListServices      Command = 0x0004
	CmdListIdentity      Command = 0x0063
	CmdListInterfaces    Command = 0x0064
	CmdRegisterSession   Command = 0x0065
	CmdUnRegisterSession Command = 0x0066
	CmdSendRRData        Command = 0x006F
	CmdSendUnitData      Command = 0x0070
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdNOP:
		return "NOP"
	case CmdListServices:
		return "LIST_SERVICES"
	case CmdListIdentity:
		return "LIST_IDENTITY"
	case CmdListInterfaces:
		return "LIST_INTERFACES"
	case CmdRegisterSession:
		return "REGISTER_SESSION"
	case CmdUnRegisterSession:
		return "UNREGISTER_SESSION"
	case CmdSendRRData:
		return "SEND_RR_DATA"
	case CmdSendUnitData:
		return "SEND_UNIT_DATA"
	default:
		return fmt.Sprintf("COMMAND_0x%04X", uint16(c))
	}
}

// Encapsulation status codes.
const (
	StatusSuccess          uint32 = 0x0000
	StatusInvalidCommand   uint32 = 0x0001
	StatusInsufficientMem  uint32 = 0x0002
	StatusIncorrectData    uint32 = 0x0003
	StatusInvalidSession   uint32 = 0x0064
	StatusInvalidLength    uint32 = 0x0065
	StatusUnsupportedProto uint32 = 0x0069
)

// ProtocolVersion is the only encapsulation protocol version supported.
const ProtocolVersion = 1

// ErrShortData indicates an encapsulation payload shorter than its layout.
var ErrShortData = errors.New("enip: short data")

// Format frames a TCP stream into encapsulation packets.
var Format = transport.FrameFormat{
	Name:       "enip",
	HeaderSize: HeaderSize,
	PayloadLength: func(h []byte) (int, error) {
		return int(binary.LittleEndian.Uint16(h[2:4])), nil
	},
	MaxFrameSize: HeaderSize + MaxDataSize,
}

// Header is the encapsulation header.
type Header struct {
	Command       Command
	Length        uint16
	SessionHandle uint32
	Status        uint32
	SenderContext [8]byte
	Options       uint32
}

// Packet is one encapsulation message.
type Packet struct {
	Header
	Data []byte
}

// DecodePacket parses a frame returned by the framer.
func DecodePacket(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: header", ErrShortData)
	}
	var p Packet
	p.Command = Command(binary.LittleEndian.Uint16(frame[0:2]))
	p.Length = binary.LittleEndian.Uint16(frame[2:4])
	p.SessionHandle = binary.LittleEndian.Uint32(frame[4:8])
	p.Status = binary.LittleEndian.Uint32(frame[8:12])
	copy(p.SenderContext[:], frame[12:20])
	p.Options = binary.LittleEndian.Uint32(frame[20:24])
	p.Data = frame[HeaderSize:]
	if int(p.Length) != len(p.Data) {
		return Packet{}, fmt.Errorf("%w: length %d, have %d", ErrShortData, p.Length, len(p.Data))
	}
	return p, nil
}

// Encode returns the wire form, setting Length from Data.
func (p Packet) Encode() []byte {
	out := make([]byte, HeaderSize+len(p.Data))
	binary.LittleEndian.PutUint16(out[0:2], uint16(p.Command))
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(p.Data)))
	binary.LittleEndian.PutUint32(out[4:8], p.SessionHandle)
	binary.LittleEndian.PutUint32(out[8:12], p.Status)
	copy(out[12:20], p.SenderContext[:])
	binary.LittleEndian.PutUint32(out[20:24], p.Options)
	copy(out[HeaderSize:], p.Data)
	return out
}

// reply builds the response packet for req.
func (p Packet) reply(status uint32, data []byte) Packet {
	return Packet{
		Header: Header{
			Command:       p.Command,
			SessionHandle: p.SessionHandle,
			Status:        status,
			SenderContext: p.SenderContext,
		},
		Data: data,
	}
}
