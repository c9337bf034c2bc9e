package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/process"
)

// Function codes.
const (
	FuncReadHoldingRegisters   byte = 0x03
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleRegisters byte = 0x10
	FuncEncapsulatedInterface  byte = 0x2B
)

// MEIReadDeviceID is the MEI type of Read Device Identification.
const MEIReadDeviceID byte = 0x0E

// Exception codes.
const (
	ExceptionIllegalFunction    byte = 0x01
	ExceptionIllegalDataAddress byte = 0x02
	ExceptionIllegalDataValue   byte = 0x03
	ExceptionDeviceFailure      byte = 0x04
)

// Quantity limits.
const (
	MaxReadQuantity  = 125
	MaxWriteQuantity = 123
)

// TablePadding is the number of addresses served beyond the highest register.
const TablePadding = 10

// ToRegister converts a process value to a 16-bit register.
func ToRegister(v float64) uint16 {
	if math.IsNaN(v) {
		return 0
	}
	t := math.Trunc(v)
	switch {
	case t <= math.MinInt16:
		return uint16(0x8000)
	case t >= math.MaxUint16:
		return math.MaxUint16
	case t < 0:
		return uint16(int16(t))
	}
	return uint16(t)
}

// FromRegister converts a written 16-bit register to a process value.
func FromRegister(r uint16) float64 {
	return float64(r)
}

// FunctionName returns the service name used in captures and metrics.
func FunctionName(fc byte) string {
	switch fc {
	case FuncReadHoldingRegisters:
		return "READ_HOLDING_REGISTERS"
	case FuncWriteSingleRegister:
		return "WRITE_SINGLE_REGISTER"
	case FuncWriteMultipleRegisters:
		return "WRITE_MULTIPLE_REGISTERS"
	case FuncEncapsulatedInterface:
		return "READ_DEVICE_IDENTIFICATION"
	default:
		return fmt.Sprintf("FUNCTION_0x%02X", fc)
	}
}

// DeviceIdentity holds the objects returned by Read Device Identification.
type DeviceIdentity struct {
	VendorName          string
	ProductCode         string
	Revision            string
	VendorURL           string
	ProductName         string
	ModelName           string
	UserApplicationName string
}

func (d DeviceIdentity) objects() [][]byte {
	return [][]byte{
		[]byte(d.VendorName),
		[]byte(d.ProductCode),
		[]byte(d.Revision),
		[]byte(d.VendorURL),
		[]byte(d.ProductName),
		[]byte(d.ModelName),
		[]byte(d.UserApplicationName),
	}
}

// Handler executes PDUs against a process model.
type Handler struct {
	model     *process.Model
	tableSize int
	identity  DeviceIdentity
}

// NewHandler sizes the holding register table from the model: addresses
// 0 through the highest register address plus TablePadding, inclusive.
func NewHandler(model *process.Model, identity DeviceIdentity) *Handler {
	size := int(model.MaxAddress()) + TablePadding + 1
	if model.Len() == 0 {
		size = TablePadding + 1
	}
	if size > math.MaxUint16+1 {
		size = math.MaxUint16 + 1
	}
	return &Handler{model: model, tableSize: size, identity: identity}
}

// TableSize returns the number of addressable holding registers.
func (h *Handler) TableSize() int {
	return h.tableSize
}

// Handle executes one request PDU and returns the response PDU together with
// a description of the request for capture and metrics.
func (h *Handler) Handle(pdu []byte) ([]byte, log.RequestEvent) {
	fc := pdu[0]
	req := log.RequestEvent{Service: FunctionName(fc), Code: fc}

	var resp []byte
	var exc byte
	switch fc {
	case FuncReadHoldingRegisters:
		resp, exc = h.readHolding(pdu, &req)
	case FuncWriteSingleRegister:
		resp, exc = h.writeSingle(pdu, &req)
	case FuncWriteMultipleRegisters:
		resp, exc = h.writeMultiple(pdu, &req)
	case FuncEncapsulatedInterface:
		resp, exc = h.deviceID(pdu, &req)
	default:
		exc = ExceptionIllegalFunction
	}

	if exc != 0 {
		req.Status = exc
		return []byte{fc | 0x80, exc}, req
	}
	return resp, req
}

func (h *Handler) inTable(addr, qty int) bool {
	return addr+qty <= h.tableSize
}

func (h *Handler) readHolding(pdu []byte, req *log.RequestEvent) ([]byte, byte) {
	if len(pdu) != 5 {
		return nil, ExceptionIllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	qty := int(binary.BigEndian.Uint16(pdu[3:5]))
	req.Target = strconv.Itoa(addr)
	req.Count = uint16(qty)

	if qty < 1 || qty > MaxReadQuantity {
		return nil, ExceptionIllegalDataValue
	}
	if !h.inTable(addr, qty) {
		return nil, ExceptionIllegalDataAddress
	}

	regs := make([]uint16, qty)
	for _, v := range h.model.Snapshot() {
		off := int(v.Address) - addr
		if off >= 0 && off < qty {
			regs[off] = ToRegister(v.Value)
		}
	}

	resp := make([]byte, 2+2*qty)
	resp[0] = FuncReadHoldingRegisters
	resp[1] = byte(2 * qty)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[2+2*i:], r)
	}
	return resp, 0
}

func (h *Handler) writeSingle(pdu []byte, req *log.RequestEvent) ([]byte, byte) {
	if len(pdu) != 5 {
		return nil, ExceptionIllegalDataValue
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := FromRegister(binary.BigEndian.Uint16(pdu[3:5]))
	req.Target = strconv.Itoa(int(addr))
	req.Count = 1
	req.Values = []float64{value}

	if !h.inTable(int(addr), 1) {
		return nil, ExceptionIllegalDataAddress
	}
	if err := h.model.Set(addr, value); err != nil {
		return nil, writeException(err)
	}
	// Echo of the request.
	return append([]byte(nil), pdu...), 0
}

func (h *Handler) writeMultiple(pdu []byte, req *log.RequestEvent) ([]byte, byte) {
	if len(pdu) < 6 {
		return nil, ExceptionIllegalDataValue
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := int(binary.BigEndian.Uint16(pdu[3:5]))
	byteCount := int(pdu[5])
	req.Target = strconv.Itoa(int(addr))
	req.Count = uint16(qty)

	if qty < 1 || qty > MaxWriteQuantity || byteCount != 2*qty || len(pdu) != 6+byteCount {
		return nil, ExceptionIllegalDataValue
	}
	if !h.inTable(int(addr), qty) {
		return nil, ExceptionIllegalDataAddress
	}

	values := make([]float64, qty)
	for i := range values {
		values[i] = FromRegister(binary.BigEndian.Uint16(pdu[6+2*i:]))
	}
	req.Values = values

	if err := h.model.SetMany(addr, values); err != nil {
		return nil, writeException(err)
	}
	return []byte{FuncWriteMultipleRegisters, pdu[1], pdu[2], pdu[3], pdu[4]}, 0
}

func writeException(err error) byte {
	if errors.Is(err, process.ErrNotWritable) || errors.Is(err, process.ErrUnknownRegister) {
		return ExceptionIllegalDataAddress
	}
	if errors.Is(err, process.ErrInvalidValue) {
		return ExceptionIllegalDataValue
	}
	return ExceptionDeviceFailure
}

// Read Device ID access codes.
const (
	readDevIDBasic    = 0x01
	readDevIDRegular  = 0x02
	readDevIDExtended = 0x03
	readDevIDSpecific = 0x04

	// Regular identification with individual access.
	conformityLevel = 0x82
)

func (h *Handler) deviceID(pdu []byte, req *log.RequestEvent) ([]byte, byte) {
	if len(pdu) < 2 || pdu[1] != MEIReadDeviceID {
		req.Service = "ENCAPSULATED_INTERFACE"
		return nil, ExceptionIllegalFunction
	}
	if len(pdu) != 4 {
		return nil, ExceptionIllegalDataValue
	}
	code, objID := pdu[2], int(pdu[3])
	req.Target = strconv.Itoa(objID)

	objects := h.identity.objects()
	var first, last int
	switch code {
	case readDevIDBasic:
		first, last = 0, 2
	case readDevIDRegular, readDevIDExtended:
		first, last = 0, len(objects)-1
	case readDevIDSpecific:
		if objID >= len(objects) {
			return nil, ExceptionIllegalDataAddress
		}
		first, last = objID, objID
	default:
		return nil, ExceptionIllegalDataValue
	}
	if code != readDevIDSpecific && objID > first && objID <= last {
		first = objID
	}

	resp := []byte{FuncEncapsulatedInterface, MEIReadDeviceID, code, conformityLevel, 0x00, 0x00, 0x00}
	count := 0
	for id := first; id <= last; id++ {
		obj := objects[id]
		if len(obj) > 240 {
			obj = obj[:240]
		}
		resp = append(resp, byte(id), byte(len(obj)))
		resp = append(resp, obj...)
		count++
	}
	resp[6] = byte(count)
	req.Count = uint16(count)
	return resp, 0
}
