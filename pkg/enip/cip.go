package enip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// CIP service codes.
const (
	SvcGetAttributesAll   byte = 0x01
	SvcGetAttributeSingle byte = 0x0E
	SvcMultipleService    byte = 0x0A
	SvcForwardClose       byte = 0x4E
	SvcReadTag            byte = 0x4C
	SvcWriteTag           byte = 0x4D
	SvcReadTagFragmented  byte = 0x52
	SvcUnconnectedSend    byte = 0x52
	SvcForwardOpen        byte = 0x54
	SvcLargeForwardOpen   byte = 0x5B
	replyFlag             byte = 0x80
)

// CIP general status codes.
const (
	GSSuccess            byte = 0x00
	GSConnectionFailure  byte = 0x01
	GSPathSegmentError   byte = 0x04
	GSPathUnknown        byte = 0x05
	GSServiceUnsupported byte = 0x08
	GSInvalidAttrValue   byte = 0x09
	GSPrivilegeViolation byte = 0x0F
	GSNotEnoughData      byte = 0x13
	GSAttrNotSupported   byte = 0x14
	GSTooMuchData        byte = 0x15
	GSEmbeddedError      byte = 0x1E
	GSGeneralError       byte = 0xFF
)

// Extended status codes used with GSGeneralError and GSConnectionFailure.
const (
	ExtConnectionNotFound uint16 = 0x0107
	ExtBeyondEnd          uint16 = 0x2105
	ExtTypeMismatch       uint16 = 0x2107
)

// CIP object classes.
const (
	ClassIdentity          = 0x01
	ClassMessageRouter     = 0x02
	ClassConnectionManager = 0x06
)

// CIP data types.
const (
	TypeBOOL  uint16 = 0xC1
	TypeSINT  uint16 = 0xC2
	TypeINT   uint16 = 0xC3
	TypeDINT  uint16 = 0xC4
	TypeREAL  uint16 = 0xCA
	TypeLREAL uint16 = 0xCB
)

// ErrBadPath indicates an EPATH that cannot be parsed.
var ErrBadPath = errors.New("cip: bad path")

// Path is a decoded request path.
type Path struct {
	Class, Instance, Attribute          uint32
	HasClass, HasInstance, HasAttribute bool

	// Symbol is the symbolic tag name; dotted members are joined with '.'.
	Symbol string

	// Element is the array index, when an element segment is present.
	Element    uint32
	HasElement bool
}

// IsSymbolic reports whether the path addresses a tag.
func (p Path) IsSymbolic() bool { return p.Symbol != "" }

// String renders the path for logs.
func (p Path) String() string {
	if p.IsSymbolic() {
		if p.HasElement {
			return fmt.Sprintf("%s[%d]", p.Symbol, p.Element)
		}
		return p.Symbol
	}
	var sb strings.Builder
	if p.HasClass {
		fmt.Fprintf(&sb, "class 0x%02X", p.Class)
	}
	if p.HasInstance {
		fmt.Fprintf(&sb, " instance %d", p.Instance)
	}
	if p.HasAttribute {
		fmt.Fprintf(&sb, " attribute %d", p.Attribute)
	}
	return strings.TrimSpace(sb.String())
}

// ParsePath decodes a padded EPATH.
func ParsePath(b []byte) (Path, error) {
	var p Path
	var symbols []string
	for len(b) > 0 {
		seg := b[0]
		switch seg {
		case 0x20, 0x24, 0x30, 0x28:
			if len(b) < 2 {
				return p, fmt.Errorf("%w: truncated 8-bit segment", ErrBadPath)
			}
			p.setLogical(seg, uint32(b[1]))
			b = b[2:]
		case 0x21, 0x25, 0x31, 0x29:
			if len(b) < 4 {
				return p, fmt.Errorf("%w: truncated 16-bit segment", ErrBadPath)
			}
			p.setLogical(seg&^0x01, uint32(binary.LittleEndian.Uint16(b[2:4])))
			b = b[4:]
		case 0x2A:
			if len(b) < 6 {
				return p, fmt.Errorf("%w: truncated 32-bit element", ErrBadPath)
			}
			p.setLogical(0x28, binary.LittleEndian.Uint32(b[2:6]))
			b = b[6:]
		case 0x91:
			if len(b) < 2 {
				return p, fmt.Errorf("%w: truncated symbol", ErrBadPath)
			}
			n := int(b[1])
			padded := n + n%2
			if n == 0 || len(b) < 2+padded {
				return p, fmt.Errorf("%w: symbol length %d", ErrBadPath, n)
			}
			symbols = append(symbols, string(b[2:2+n]))
			b = b[2+padded:]
		default:
			return p, fmt.Errorf("%w: segment 0x%02X", ErrBadPath, seg)
		}
	}
	p.Symbol = strings.Join(symbols, ".")
	return p, nil
}

func (p *Path) setLogical(seg byte, v uint32) {
	switch seg {
	case 0x20:
		p.Class, p.HasClass = v, true
	case 0x24:
		p.Instance, p.HasInstance = v, true
	case 0x30:
		p.Attribute, p.HasAttribute = v, true
	case 0x28:
		p.Element, p.HasElement = v, true
	}
}

// SymbolicPath encodes a tag name as an ANSI extended symbolic segment.
func SymbolicPath(name string) []byte {
	out := []byte{0x91, byte(len(name))}
	out = append(out, name...)
	if len(name)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

// LogicalPath encodes an 8-bit class / instance path.
func LogicalPath(class, instance byte) []byte {
	return []byte{0x20, class, 0x24, instance}
}

// Request is a CIP message router request.
type Request struct {
	Service byte
	RawPath []byte
	Path    Path
	Data    []byte
}

// DecodeRequest parses a message router request. A path that cannot be
// parsed is reported via the returned error, with Service still set.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < 2 {
		return Request{}, fmt.Errorf("%w: request header", ErrShortData)
	}
	r := Request{Service: b[0]}
	n := int(b[1]) * 2
	if len(b) < 2+n {
		return r, fmt.Errorf("%w: path size %d words", ErrBadPath, b[1])
	}
	r.RawPath = b[2 : 2+n]
	r.Data = b[2+n:]
	p, err := ParsePath(r.RawPath)
	if err != nil {
		return r, err
	}
	r.Path = p
	return r, nil
}

// EncodeRequest renders a message router request.
func EncodeRequest(service byte, path, data []byte) []byte {
	out := []byte{service, byte(len(path) / 2)}
	out = append(out, path...)
	return append(out, data...)
}

// Response is a CIP message router response.
type Response struct {
	Service  byte
	Status   byte
	Extended []uint16
	Data     []byte
}

// Encode renders the response.
func (r Response) Encode() []byte {
	out := []byte{r.Service | replyFlag, 0, r.Status, byte(len(r.Extended))}
	for _, e := range r.Extended {
		out = binary.LittleEndian.AppendUint16(out, e)
	}
	return append(out, r.Data...)
}

// DecodeResponse parses a message router response.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) < 4 {
		return Response{}, fmt.Errorf("%w: response header", ErrShortData)
	}
	r := Response{Service: b[0] &^ replyFlag, Status: b[2]}
	n := int(b[3])
	if len(b) < 4+2*n {
		return Response{}, fmt.Errorf("%w: extended status", ErrShortData)
	}
	for i := 0; i < n; i++ {
		r.Extended = append(r.Extended, binary.LittleEndian.Uint16(b[4+2*i:]))
	}
	r.Data = b[4+2*n:]
	return r, nil
}

func success(service byte, data []byte) Response {
	return Response{Service: service, Data: data}
}

func failure(service, status byte, ext ...uint16) Response {
	return Response{Service: service, Status: status, Extended: ext}
}
