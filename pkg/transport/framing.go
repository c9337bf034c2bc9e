package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cyroid-lab/plcsim/pkg/log"
)

// DefaultMaxFrameSize bounds a frame when the format does not set a limit.
const DefaultMaxFrameSize = 65535 + 24

// Framing errors.
var (
	// ErrFrameTooLarge indicates the announced frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrFrameEmpty indicates an attempt to write an empty frame.
	ErrFrameEmpty = errors.New("frame is empty")

	// ErrFrameTruncated indicates the peer closed the stream mid-frame.
	ErrFrameTruncated = errors.New("frame truncated")

	// ErrBadHeader indicates the header failed the format's sanity checks.
	ErrBadHeader = errors.New("bad frame header")
)

// FrameFormat describes a length-prefixed binary framing.
type FrameFormat struct {
	// Name identifies the format in errors and logs.
	Name string

	// HeaderSize is the number of bytes read before the length is known.
	HeaderSize int

	// PayloadLength returns the number of bytes that follow the header.
	// Return an error wrapping ErrBadHeader to reject the stream.
	PayloadLength func(header []byte) (int, error)

	// MaxFrameSize is the largest accepted frame including the header.
	MaxFrameSize int
}

func (f FrameFormat) maxSize() int {
	if f.MaxFrameSize > 0 {
		return f.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// FrameReader reads whole frames of one format from an underlying reader.
type FrameReader struct {
	r      io.Reader
	format FrameFormat
	header []byte

	// Capture support (optional)
	recorder *log.Recorder
	connID   string
	remote   string
}

// NewFrameReader creates a new frame reader.
func NewFrameReader(r io.Reader, format FrameFormat) *FrameReader {
	return &FrameReader{
		r:      r,
		format: format,
		header: make([]byte, format.HeaderSize),
	}
}

// SetRecorder configures capture for this reader.
// Pass nil to disable capture.
func (fr *FrameReader) SetRecorder(rec *log.Recorder, connID, remote string) {
	fr.recorder = rec
	fr.connID = connID
	fr.remote = remote
}

// ReadFrame reads one frame and returns it including the header.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read %s header: %w", fr.format.Name, err)
	}

	length, err := fr.format.PayloadLength(fr.header)
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrBadHeader, length)
	}
	total := fr.format.HeaderSize + length
	if total > fr.format.maxSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, fr.format.maxSize())
	}

	frame := make([]byte, total)
	copy(frame, fr.header)
	if _, err := io.ReadFull(fr.r, frame[fr.format.HeaderSize:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read %s payload: %w", fr.format.Name, err)
	}

	fr.recorder.Frame(fr.connID, fr.remote, log.DirectionIn, frame)

	return frame, nil
}

// FrameWriter writes pre-encoded frames to an underlying writer.
type FrameWriter struct {
	w      io.Writer
	format FrameFormat
	mu     sync.Mutex

	recorder *log.Recorder
	connID   string
	remote   string
}

// NewFrameWriter creates a new frame writer.
func NewFrameWriter(w io.Writer, format FrameFormat) *FrameWriter {
	return &FrameWriter{w: w, format: format}
}

// SetRecorder configures capture for this writer.
func (fw *FrameWriter) SetRecorder(rec *log.Recorder, connID, remote string) {
	fw.recorder = rec
	fw.connID = connID
	fw.remote = remote
}

// WriteFrame writes a complete frame.
// Thread-safe: can be called from multiple goroutines.
func (fw *FrameWriter) WriteFrame(frame []byte) error {
	if len(frame) == 0 {
		return ErrFrameEmpty
	}
	if len(frame) > fw.format.maxSize() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), fw.format.maxSize())
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", fw.format.Name, err)
	}

	fw.recorder.Frame(fw.connID, fw.remote, log.DirectionOut, frame)
	return nil
}

// Framer combines frame reading and writing.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a new framer for bidirectional communication.
func NewFramer(rw io.ReadWriter, format FrameFormat) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw, format),
		FrameWriter: NewFrameWriter(rw, format),
	}
}

// SetRecorder configures capture for both reader and writer.
func (f *Framer) SetRecorder(rec *log.Recorder, connID, remote string) {
	f.FrameReader.SetRecorder(rec, connID, remote)
	f.FrameWriter.SetRecorder(rec, connID, remote)
}
