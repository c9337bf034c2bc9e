// Package transport provides the TCP server shared by the binary PLC
// front-ends.
//
// Modbus TCP and EtherNet/IP both frame their messages as a fixed-size
// header that carries the length of the rest of the frame:
//
//	┌──────────────────────────────┬──────────────────────────┐
//	│ header (HeaderSize bytes)    │ body (PayloadLength)     │
//	└──────────────────────────────┴──────────────────────────┘
//
//	Modbus TCP    MBAP, 6 bytes before the unit id, length big-endian at [4:6]
//	EtherNet/IP   encapsulation, 24 bytes, length little-endian at [2:4]
//
// A FrameFormat describes one such layout. The Server accepts connections,
// splits the byte stream into whole frames with a FrameReader and hands each
// frame to the configured handler. Responses go back through ServerConn.Send.
//
// Every connection gets a UUID connection ID that appears in operational
// logs and in protocol captures.
package transport
