package enip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cyroid-lab/plcsim/pkg/transport"
)

// DefaultClientTimeout bounds one request/reply exchange.
const DefaultClientTimeout = 5 * time.Second

// ErrEncapsulation indicates a non-zero encapsulation status.
var ErrEncapsulation = errors.New("enip: encapsulation error")

// StatusError is a CIP error response.
type StatusError struct {
	Service  byte
	Status   byte
	Extended []uint16
}

func (e *StatusError) Error() string {
	if len(e.Extended) > 0 {
		return fmt.Sprintf("cip: service 0x%02X failed with status 0x%02X (extended 0x%04X)", e.Service, e.Status, e.Extended[0])
	}
	return fmt.Sprintf("cip: service 0x%02X failed with status 0x%02X", e.Service, e.Status)
}

// Client is a minimal explicit-messaging client. The simulator uses it for
// self-checks; tests use it to exercise the adapter end to end.
type Client struct {
	conn    *transport.ClientConn
	session uint32
	timeout time.Duration

	// Connected messaging state after ForwardOpen.
	otID       uint32
	toID       uint32
	seq        uint16
	connSerial uint16
}

// Dial connects and registers a session.
func Dial(ctx context.Context, address string) (*Client, error) {
	conn, err := transport.Dial(ctx, address, Format)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, timeout: DefaultClientTimeout}

	data := binary.LittleEndian.AppendUint16(nil, ProtocolVersion)
	data = binary.LittleEndian.AppendUint16(data, 0)
	reply, err := c.Roundtrip(Packet{Header: Header{Command: CmdRegisterSession}, Data: data})
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.session = reply.SessionHandle
	return c, nil
}

// Session returns the registered session handle.
func (c *Client) Session() uint32 { return c.session }

// Roundtrip sends one encapsulation packet and waits for the reply.
func (c *Client) Roundtrip(p Packet) (Packet, error) {
	frame, err := c.conn.Roundtrip(p.Encode(), c.timeout)
	if err != nil {
		return Packet{}, err
	}
	reply, err := DecodePacket(frame)
	if err != nil {
		return Packet{}, err
	}
	if reply.Status != StatusSuccess {
		return reply, fmt.Errorf("%w: %s status 0x%04X", ErrEncapsulation, reply.Command, reply.Status)
	}
	return reply, nil
}

// Send issues an unconnected CIP request over SendRRData.
func (c *Client) Send(request []byte) (Response, error) {
	body := rrData{Items: []Item{{Type: ItemNullAddress}, {Type: ItemUnconnectedData, Data: request}}}
	reply, err := c.Roundtrip(Packet{
		Header: Header{Command: CmdSendRRData, SessionHandle: c.session},
		Data:   body.encode(),
	})
	if err != nil {
		return Response{}, err
	}
	rr, err := decodeRRData(reply.Data)
	if err != nil {
		return Response{}, err
	}
	item, ok := findItem(rr.Items, ItemUnconnectedData)
	if !ok {
		return Response{}, fmt.Errorf("%w: no unconnected data item", ErrShortData)
	}
	return DecodeResponse(item.Data)
}

// ReadTag reads a REAL tag.
func (c *Client) ReadTag(name string) (float32, error) {
	resp, err := c.Send(EncodeRequest(SvcReadTag, SymbolicPath(name), []byte{1, 0}))
	if err != nil {
		return 0, err
	}
	return decodeREALReply(resp)
}

// WriteTag writes a REAL tag.
func (c *Client) WriteTag(name string, v float32) error {
	resp, err := c.Send(EncodeRequest(SvcWriteTag, SymbolicPath(name), EncodeWriteValue(v)))
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// ListIdentity returns the raw identity item announced by the device.
func (c *Client) ListIdentity() (Item, error) {
	reply, err := c.Roundtrip(Packet{Header: Header{Command: CmdListIdentity}})
	if err != nil {
		return Item{}, err
	}
	items, err := DecodeItems(reply.Data)
	if err != nil {
		return Item{}, err
	}
	item, ok := findItem(items, ItemListIdentity)
	if !ok {
		return Item{}, fmt.Errorf("%w: no identity item", ErrShortData)
	}
	return item, nil
}

// ForwardOpen opens a class 3 connection for connected messaging.
func (c *Client) ForwardOpen() error {
	c.connSerial++
	toID := newID()
	data := []byte{0x0A, 0x0E}
	data = binary.LittleEndian.AppendUint32(data, 0)
	data = binary.LittleEndian.AppendUint32(data, toID)
	data = binary.LittleEndian.AppendUint16(data, c.connSerial)
	data = binary.LittleEndian.AppendUint16(data, 0x1337)
	data = binary.LittleEndian.AppendUint32(data, 0xC0FFEE)
	data = append(data, 3, 0, 0, 0)
	data = binary.LittleEndian.AppendUint32(data, 2000000)
	data = binary.LittleEndian.AppendUint16(data, 0x43F4)
	data = binary.LittleEndian.AppendUint32(data, 2000000)
	data = binary.LittleEndian.AppendUint16(data, 0x43F4)
	data = append(data, 0xA3)
	path := []byte{0x01, 0x00, 0x20, 0x02, 0x24, 0x01}
	data = append(data, byte(len(path)/2))
	data = append(data, path...)

	resp, err := c.Send(EncodeRequest(SvcForwardOpen, LogicalPath(ClassConnectionManager, 1), data))
	if err != nil {
		return err
	}
	if err := statusErr(resp); err != nil {
		return err
	}
	if len(resp.Data) < 8 {
		return fmt.Errorf("%w: forward open reply", ErrShortData)
	}
	c.otID = binary.LittleEndian.Uint32(resp.Data[0:4])
	c.toID = binary.LittleEndian.Uint32(resp.Data[4:8])
	return nil
}

// ForwardClose closes the connection opened by ForwardOpen.
func (c *Client) ForwardClose() error {
	data := []byte{0x0A, 0x0E}
	data = binary.LittleEndian.AppendUint16(data, c.connSerial)
	data = binary.LittleEndian.AppendUint16(data, 0x1337)
	data = binary.LittleEndian.AppendUint32(data, 0xC0FFEE)
	data = append(data, 0, 0)
	resp, err := c.Send(EncodeRequest(SvcForwardClose, LogicalPath(ClassConnectionManager, 1), data))
	if err != nil {
		return err
	}
	c.otID, c.toID = 0, 0
	return statusErr(resp)
}

// SendConnected issues a CIP request over the open connection.
func (c *Client) SendConnected(request []byte) (Response, error) {
	c.seq++
	payload := binary.LittleEndian.AppendUint16(nil, c.seq)
	payload = append(payload, request...)
	body := rrData{Items: []Item{
		{Type: ItemConnectedAddress, Data: binary.LittleEndian.AppendUint32(nil, c.otID)},
		{Type: ItemConnectedData, Data: payload},
	}}
	reply, err := c.Roundtrip(Packet{
		Header: Header{Command: CmdSendUnitData, SessionHandle: c.session},
		Data:   body.encode(),
	})
	if err != nil {
		return Response{}, err
	}
	rr, err := decodeRRData(reply.Data)
	if err != nil {
		return Response{}, err
	}
	addr, ok := findItem(rr.Items, ItemConnectedAddress)
	if !ok || len(addr.Data) != 4 || binary.LittleEndian.Uint32(addr.Data) != c.toID {
		return Response{}, fmt.Errorf("%w: connected address mismatch", ErrShortData)
	}
	item, ok := findItem(rr.Items, ItemConnectedData)
	if !ok || len(item.Data) < 2 {
		return Response{}, fmt.Errorf("%w: no connected data item", ErrShortData)
	}
	if binary.LittleEndian.Uint16(item.Data) != c.seq {
		return Response{}, fmt.Errorf("enip: sequence %d, want %d", binary.LittleEndian.Uint16(item.Data), c.seq)
	}
	return DecodeResponse(item.Data[2:])
}

// Close unregisters the session and closes the connection.
func (c *Client) Close() error {
	_ = c.conn.Send(Packet{Header: Header{Command: CmdUnRegisterSession, SessionHandle: c.session}}.Encode())
	return c.conn.Close()
}

func statusErr(resp Response) error {
	if resp.Status == GSSuccess {
		return nil
	}
	return &StatusError{Service: resp.Service, Status: resp.Status, Extended: resp.Extended}
}

func decodeREALReply(resp Response) (float32, error) {
	if err := statusErr(resp); err != nil {
		return 0, err
	}
	if len(resp.Data) < 6 || binary.LittleEndian.Uint16(resp.Data) != TypeREAL {
		return 0, fmt.Errorf("%w: REAL reply", ErrShortData)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(resp.Data[2:6])), nil
}
