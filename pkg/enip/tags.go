package enip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/cyroid-lab/plcsim/pkg/process"
	"github.com/cyroid-lab/plcsim/pkg/registermap"
)

// Tag errors.
var (
	ErrTagCollision = errors.New("enip: tag name collision")
	ErrUnknownTag   = errors.New("enip: unknown tag")
	ErrNotFinite    = errors.New("enip: value not representable as REAL")
)

var invalidTagChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeTagName maps a register name to a legal tag name.
func SanitizeTagName(name string) string {
	s := invalidTagChars.ReplaceAllString(name, "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

// Tag is one REAL tag backed by a register.
type Tag struct {
	Name     string
	Register registermap.Register

	value float32
}

// TagTable is the cache clients read. It is refreshed from the process model
// by Apply and is safe for concurrent use.
type TagTable struct {
	mu     sync.RWMutex
	tags   []*Tag
	byName map[string]*Tag
	byReg  map[string]*Tag
}

// NewTagTable declares one tag per register, initialised to its default.
func NewTagTable(regs []registermap.Register) (*TagTable, error) {
	t := &TagTable{
		byName: make(map[string]*Tag, len(regs)),
		byReg:  make(map[string]*Tag, len(regs)),
	}
	for _, r := range regs {
		name := SanitizeTagName(r.Name)
		key := strings.ToLower(name)
		if prev, ok := t.byName[key]; ok {
			return nil, fmt.Errorf("%w: %q and %q both map to %s", ErrTagCollision, prev.Register.Name, r.Name, name)
		}
		tag := &Tag{Name: name, Register: r, value: float32(r.Default)}
		t.tags = append(t.tags, tag)
		t.byName[key] = tag
		t.byReg[r.Name] = tag
	}
	return t, nil
}

// Len returns the number of tags.
func (t *TagTable) Len() int { return len(t.tags) }

// Names returns the declared tag names in register order.
func (t *TagTable) Names() []string {
	out := make([]string, len(t.tags))
	for i, tag := range t.tags {
		out[i] = tag.Name
	}
	return out
}

// Lookup finds a tag by name, ignoring case.
func (t *TagTable) Lookup(name string) (*Tag, bool) {
	tag, ok := t.byName[strings.ToLower(name)]
	return tag, ok
}

// Value returns the cached value of a tag.
func (t *TagTable) Value(tag *Tag) float32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return tag.value
}

// Read returns the cached value of the named tag.
func (t *TagTable) Read(name string) (float32, error) {
	tag, ok := t.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTag, name)
	}
	return t.Value(tag), nil
}

// Apply updates the cache from a model snapshot in one batch. Values that
// cannot be represented keep their previous cached value and are returned
// as failures; the remaining tags are still updated.
func (t *TagTable) Apply(values []process.Value) map[string]error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(values)
}

// Refresh is Apply with the snapshot taken under the table lock. Writes
// also hold the lock, so a snapshot never lands after a newer write.
func (t *TagTable) Refresh(snapshot func() []process.Value) map[string]error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(snapshot())
}

func (t *TagTable) applyLocked(values []process.Value) map[string]error {
	var failed map[string]error
	for _, v := range values {
		tag, ok := t.byReg[v.Name]
		if !ok {
			continue
		}
		f, err := toREAL(v.Value)
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[tag.Name] = err
			continue
		}
		tag.value = f
	}
	return failed
}

// write runs set, which stores v in the model, and caches v if it
// succeeds. The table lock is held throughout.
func (t *TagTable) write(tag *Tag, v float64, set func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := set(); err != nil {
		return err
	}
	if f, err := toREAL(v); err == nil {
		tag.value = f
	}
	return nil
}

func toREAL(v float64) (float32, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxFloat32 {
		return 0, fmt.Errorf("%w: %v", ErrNotFinite, v)
	}
	return float32(v), nil
}

// EncodeREAL renders a REAL value with its type code.
func EncodeREAL(v float32) []byte {
	out := binary.LittleEndian.AppendUint16(nil, TypeREAL)
	return binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
}

// ErrTypeMismatch indicates a write payload of an unsupported type.
var ErrTypeMismatch = errors.New("enip: type mismatch")

// DecodeWriteValue decodes the value of a Write Tag request body
// (type, element count, data).
func DecodeWriteValue(b []byte) (float64, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: write header", ErrShortData)
	}
	typ := binary.LittleEndian.Uint16(b[0:2])
	count := binary.LittleEndian.Uint16(b[2:4])
	data := b[4:]
	if count != 1 {
		return 0, fmt.Errorf("%w: element count %d", ErrTypeMismatch, count)
	}

	size := map[uint16]int{TypeSINT: 1, TypeINT: 2, TypeDINT: 4, TypeREAL: 4, TypeLREAL: 8}[typ]
	if size == 0 {
		return 0, fmt.Errorf("%w: type 0x%02X", ErrTypeMismatch, typ)
	}
	if len(data) < size {
		return 0, fmt.Errorf("%w: %d bytes for type 0x%02X", ErrShortData, len(data), typ)
	}

	switch typ {
	case TypeSINT:
		return float64(int8(data[0])), nil
	case TypeINT:
		return float64(int16(binary.LittleEndian.Uint16(data))), nil
	case TypeDINT:
		return float64(int32(binary.LittleEndian.Uint32(data))), nil
	case TypeREAL:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	}
}

// EncodeWriteValue renders a REAL Write Tag body.
func EncodeWriteValue(v float32) []byte {
	out := binary.LittleEndian.AppendUint16(nil, TypeREAL)
	out = binary.LittleEndian.AppendUint16(out, 1)
	return binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
}
