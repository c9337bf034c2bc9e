package enip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/process"
)

// maxNesting bounds Unconnected Send and Multiple Service Packet recursion.
const maxNesting = 4

// ServiceName returns the name used in captures and metrics.
func ServiceName(service byte, path Path) string {
	switch service {
	case SvcGetAttributesAll:
		return "GET_ATTRIBUTES_ALL"
	case SvcGetAttributeSingle:
		return "GET_ATTRIBUTE_SINGLE"
	case SvcMultipleService:
		return "MULTIPLE_SERVICE_PACKET"
	case SvcReadTag:
		return "READ_TAG"
	case SvcWriteTag:
		return "WRITE_TAG"
	case SvcForwardOpen:
		return "FORWARD_OPEN"
	case SvcLargeForwardOpen:
		return "LARGE_FORWARD_OPEN"
	case SvcForwardClose:
		return "FORWARD_CLOSE"
	case SvcReadTagFragmented: // also SvcUnconnectedSend
		if path.IsSymbolic() {
			return "READ_TAG_FRAGMENTED"
		}
		return "UNCONNECTED_SEND"
	}
	return fmt.Sprintf("SERVICE_0x%02X", service)
}

// dispatcher executes CIP requests against the tag table and model.
type dispatcher struct {
	tags     *TagTable
	model    *process.Model
	identity Identity
	logger   *slog.Logger
}

// execute runs one message router request. Every service executed, nested
// ones included, is appended to calls.
func (d *dispatcher) execute(s *session, raw []byte, depth int, calls *[]log.RequestEvent) Response {
	req, err := DecodeRequest(raw)
	if err != nil {
		resp := failure(req.Service, GSPathSegmentError)
		if errors.Is(err, ErrShortData) {
			resp = failure(req.Service, GSNotEnoughData)
		}
		d.note(calls, req, resp, nil)
		return resp
	}

	var values []float64
	resp := d.route(s, req, depth, calls, &values)
	d.note(calls, req, resp, values)
	return resp
}

func (d *dispatcher) note(calls *[]log.RequestEvent, req Request, resp Response, values []float64) {
	ev := log.RequestEvent{
		Service: ServiceName(req.Service, req.Path),
		Code:    req.Service,
		Target:  req.Path.String(),
		Count:   1,
		Status:  resp.Status,
		Values:  values,
	}
	*calls = append(*calls, ev)
}

func (d *dispatcher) route(s *session, req Request, depth int, calls *[]log.RequestEvent, values *[]float64) Response {
	if req.Path.IsSymbolic() {
		switch req.Service {
		case SvcReadTag:
			return d.readTag(req)
		case SvcReadTagFragmented:
			return d.readTagFragmented(req)
		case SvcWriteTag:
			return d.writeTag(req, values)
		}
		return failure(req.Service, GSServiceUnsupported)
	}

	if !req.Path.HasClass {
		return failure(req.Service, GSPathSegmentError)
	}

	switch req.Path.Class {
	case ClassIdentity:
		return d.identityService(req)
	case ClassMessageRouter:
		if req.Service == SvcMultipleService {
			return d.multipleService(s, req, depth, calls)
		}
		return failure(req.Service, GSServiceUnsupported)
	case ClassConnectionManager:
		switch req.Service {
		case SvcUnconnectedSend:
			return d.unconnectedSend(s, req, depth, calls)
		case SvcForwardOpen:
			return d.forwardOpen(s, req, false)
		case SvcLargeForwardOpen:
			return d.forwardOpen(s, req, true)
		case SvcForwardClose:
			return d.forwardClose(s, req)
		}
		return failure(req.Service, GSServiceUnsupported)
	}
	return failure(req.Service, GSPathUnknown)
}

func (d *dispatcher) lookup(req Request) (*Tag, *Response) {
	tag, ok := d.tags.Lookup(req.Path.Symbol)
	if !ok {
		r := failure(req.Service, GSPathUnknown)
		return nil, &r
	}
	if req.Path.HasElement && req.Path.Element != 0 {
		r := failure(req.Service, GSGeneralError, ExtBeyondEnd)
		return nil, &r
	}
	return tag, nil
}

func (d *dispatcher) readTag(req Request) Response {
	if len(req.Data) < 2 {
		return failure(req.Service, GSNotEnoughData)
	}
	tag, errResp := d.lookup(req)
	if errResp != nil {
		return *errResp
	}
	if n := binary.LittleEndian.Uint16(req.Data); n > 1 {
		return failure(req.Service, GSGeneralError, ExtBeyondEnd)
	}
	return success(req.Service, EncodeREAL(d.tags.Value(tag)))
}

func (d *dispatcher) readTagFragmented(req Request) Response {
	if len(req.Data) < 6 {
		return failure(req.Service, GSNotEnoughData)
	}
	tag, errResp := d.lookup(req)
	if errResp != nil {
		return *errResp
	}
	offset := binary.LittleEndian.Uint32(req.Data[2:6])
	full := EncodeREAL(d.tags.Value(tag))
	value := full[2:]
	if offset >= uint32(len(value)) {
		return failure(req.Service, GSGeneralError, ExtBeyondEnd)
	}
	out := append([]byte(nil), full[:2]...)
	return success(req.Service, append(out, value[offset:]...))
}

func (d *dispatcher) writeTag(req Request, values *[]float64) Response {
	tag, errResp := d.lookup(req)
	if errResp != nil {
		return *errResp
	}

	v, err := DecodeWriteValue(req.Data)
	switch {
	case errors.Is(err, ErrShortData):
		return failure(req.Service, GSNotEnoughData)
	case errors.Is(err, ErrTypeMismatch):
		return failure(req.Service, GSGeneralError, ExtTypeMismatch)
	case err != nil:
		return failure(req.Service, GSGeneralError)
	}
	*values = []float64{v}

	if !tag.Register.Writable {
		return failure(req.Service, GSPrivilegeViolation)
	}
	err = d.tags.write(tag, v, func() error { return d.model.SetByName(tag.Register.Name, v) })
	if err != nil {
		if errors.Is(err, process.ErrInvalidValue) {
			return failure(req.Service, GSInvalidAttrValue)
		}
		return failure(req.Service, GSPrivilegeViolation)
	}
	return success(req.Service, nil)
}

func (d *dispatcher) identityService(req Request) Response {
	if req.Path.HasInstance && req.Path.Instance != 1 {
		return failure(req.Service, GSPathUnknown)
	}
	switch req.Service {
	case SvcGetAttributesAll:
		return success(req.Service, d.identity.attributesAll())
	case SvcGetAttributeSingle:
		if !req.Path.HasAttribute {
			return failure(req.Service, GSPathSegmentError)
		}
		data, ok := d.identity.attribute(req.Path.Attribute)
		if !ok {
			return failure(req.Service, GSAttrNotSupported)
		}
		return success(req.Service, data)
	}
	return failure(req.Service, GSServiceUnsupported)
}

func (d *dispatcher) multipleService(s *session, req Request, depth int, calls *[]log.RequestEvent) Response {
	if depth >= maxNesting {
		return failure(req.Service, GSTooMuchData)
	}
	data := req.Data
	if len(data) < 2 {
		return failure(req.Service, GSNotEnoughData)
	}
	n := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+2*n {
		return failure(req.Service, GSNotEnoughData)
	}
	offsets := make([]int, n)
	for i := range offsets {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+2*i:]))
		if offsets[i] < 2+2*n || offsets[i] > len(data) || (i > 0 && offsets[i] < offsets[i-1]) {
			return failure(req.Service, GSNotEnoughData)
		}
	}

	replies := make([][]byte, n)
	status := GSSuccess
	for i, off := range offsets {
		end := len(data)
		if i+1 < n {
			end = offsets[i+1]
		}
		r := d.execute(s, data[off:end], depth+1, calls)
		if r.Status != GSSuccess {
			status = GSEmbeddedError
		}
		replies[i] = r.Encode()
	}

	out := binary.LittleEndian.AppendUint16(nil, uint16(n))
	next := 2 + 2*n
	for _, r := range replies {
		out = binary.LittleEndian.AppendUint16(out, uint16(next))
		next += len(r)
	}
	for _, r := range replies {
		out = append(out, r...)
	}
	return Response{Service: req.Service, Status: status, Data: out}
}

func (d *dispatcher) unconnectedSend(s *session, req Request, depth int, calls *[]log.RequestEvent) Response {
	if depth >= maxNesting {
		return failure(req.Service, GSTooMuchData)
	}
	if len(req.Data) < 4 {
		return failure(req.Service, GSNotEnoughData)
	}
	size := int(binary.LittleEndian.Uint16(req.Data[2:4]))
	if len(req.Data) < 4+size {
		return failure(req.Service, GSNotEnoughData)
	}
	// The route path after the embedded message addresses this device.
	return d.execute(s, req.Data[4:4+size], depth+1, calls)
}

func (d *dispatcher) forwardOpen(s *session, req Request, large bool) Response {
	b := req.Data
	minLen := 36
	if large {
		minLen = 40
	}
	if len(b) < minLen {
		return failure(req.Service, GSNotEnoughData)
	}

	c := &cipConnection{
		otID:       newID(),
		toID:       binary.LittleEndian.Uint32(b[6:10]),
		serial:     binary.LittleEndian.Uint16(b[10:12]),
		vendor:     binary.LittleEndian.Uint16(b[12:14]),
		origSerial: binary.LittleEndian.Uint32(b[14:18]),
		otRPI:      binary.LittleEndian.Uint32(b[22:26]),
	}
	if large {
		c.toRPI = binary.LittleEndian.Uint32(b[30:34])
	} else {
		c.toRPI = binary.LittleEndian.Uint32(b[28:32])
	}
	if c.toID == 0 {
		c.toID = newID()
	}
	s.conns[c.otID] = c
	d.logger.Debug("cip connection opened", "ot_id", c.otID, "to_id", c.toID, "serial", c.serial)

	out := binary.LittleEndian.AppendUint32(nil, c.otID)
	out = binary.LittleEndian.AppendUint32(out, c.toID)
	out = binary.LittleEndian.AppendUint16(out, c.serial)
	out = binary.LittleEndian.AppendUint16(out, c.vendor)
	out = binary.LittleEndian.AppendUint32(out, c.origSerial)
	out = binary.LittleEndian.AppendUint32(out, c.otRPI)
	out = binary.LittleEndian.AppendUint32(out, c.toRPI)
	out = append(out, 0, 0)
	return success(req.Service, out)
}

func (d *dispatcher) forwardClose(s *session, req Request) Response {
	b := req.Data
	if len(b) < 10 {
		return failure(req.Service, GSNotEnoughData)
	}
	serial := binary.LittleEndian.Uint16(b[2:4])
	vendor := binary.LittleEndian.Uint16(b[4:6])
	origSerial := binary.LittleEndian.Uint32(b[6:10])

	c, ok := s.findByTriad(serial, vendor, origSerial)
	if !ok {
		return failure(req.Service, GSConnectionFailure, ExtConnectionNotFound)
	}
	delete(s.conns, c.otID)
	d.logger.Debug("cip connection closed", "ot_id", c.otID, "serial", c.serial)

	out := binary.LittleEndian.AppendUint16(nil, serial)
	out = binary.LittleEndian.AppendUint16(out, vendor)
	out = binary.LittleEndian.AppendUint32(out, origSerial)
	out = append(out, 0, 0)
	return success(req.Service, out)
}
