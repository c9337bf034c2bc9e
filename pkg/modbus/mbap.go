package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/cyroid-lab/plcsim/pkg/transport"
)

// MBAP layout.
const (
	// HeaderSize is the MBAP prefix read before the length is known:
	// transaction id, protocol id and length.
	HeaderSize = 6

	// MaxADUSize is the largest Modbus TCP frame.
	MaxADUSize = 260

	// ProtocolID is the only protocol identifier Modbus TCP uses.
	ProtocolID = 0
)

// Format frames a TCP stream into Modbus ADUs.
var Format = transport.FrameFormat{
	Name:       "modbus",
	HeaderSize: HeaderSize,
	PayloadLength: func(h []byte) (int, error) {
		if pid := binary.BigEndian.Uint16(h[2:4]); pid != ProtocolID {
			return 0, fmt.Errorf("%w: protocol id %d", transport.ErrBadHeader, pid)
		}
		n := int(binary.BigEndian.Uint16(h[4:6]))
		// Unit id and function code at minimum.
		if n < 2 || HeaderSize+n > MaxADUSize {
			return 0, fmt.Errorf("%w: mbap length %d", transport.ErrBadHeader, n)
		}
		return n, nil
	},
	MaxFrameSize: MaxADUSize,
}

// ADU is one decoded Modbus TCP frame.
type ADU struct {
	Transaction uint16
	Unit        byte
	PDU         []byte
}

// DecodeADU splits a complete frame as returned by the framer.
func DecodeADU(frame []byte) (ADU, error) {
	if len(frame) < HeaderSize+2 {
		return ADU{}, fmt.Errorf("%w: short frame (%d bytes)", transport.ErrBadHeader, len(frame))
	}
	return ADU{
		Transaction: binary.BigEndian.Uint16(frame[0:2]),
		Unit:        frame[6],
		PDU:         frame[7:],
	}, nil
}

// Encode returns the frame for the ADU.
func (a ADU) Encode() []byte {
	out := make([]byte, HeaderSize+1+len(a.PDU))
	binary.BigEndian.PutUint16(out[0:2], a.Transaction)
	binary.BigEndian.PutUint16(out[2:4], ProtocolID)
	binary.BigEndian.PutUint16(out[4:6], uint16(1+len(a.PDU)))
	out[6] = a.Unit
	copy(out[7:], a.PDU)
	return out
}
