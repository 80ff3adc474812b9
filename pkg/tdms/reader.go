package tdms

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

const (
	leadInSize = 28
	leadInTag  = "TDSm"

	tocMetaData    = 1 << 1
	tocNewObjList  = 1 << 2
	tocRawData     = 1 << 3
	tocInterleaved = 1 << 5
	tocBigEndian   = 1 << 6
	tocDAQmxRaw    = 1 << 7
)

// TDMS data type identifiers.
const (
	typeVoid      = 0x00
	typeI8        = 0x01
	typeI16       = 0x02
	typeI32       = 0x03
	typeI64       = 0x04
	typeU8        = 0x05
	typeU16       = 0x06
	typeU32       = 0x07
	typeU64       = 0x08
	typeFloat32   = 0x09
	typeFloat64   = 0x0A
	typeString    = 0x20
	typeBool      = 0x21
	typeTimestamp = 0x44
)

const (
	rawIndexNone    = 0xFFFFFFFF
	rawIndexMatches = 0x00000000
)

// tdmsEpoch is the TDMS timestamp epoch (1904-01-01 UTC).
var tdmsEpoch = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)

// objState carries the raw data index of one object across segments, so a
// later segment can declare "matches previous".
type objState struct {
	path      string
	dataType  uint32
	numValues uint64
	byteSize  uint64 // raw bytes this object contributes per chunk
	hasRaw    bool
	channel   *Channel // nil for root and group objects
}

type decoder struct {
	data []byte
	pos  int

	file   *File
	groups map[string]*Group
	states map[string]*objState
	order  []*objState // raw data order of the current object list
}

// Open reads and decodes a TDMS file.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	d := &decoder{
		data:   data,
		file:   &File{},
		groups: make(map[string]*Group),
		states: make(map[string]*objState),
	}
	if err := d.run(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return d.file, nil
}

func (d *decoder) run() error {
	if len(d.data) < leadInSize {
		return ErrNotTDMS
	}
	for d.pos < len(d.data) {
		if err := d.segment(); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) segment() error {
	if d.pos+leadInSize > len(d.data) {
		return fmt.Errorf("truncated lead-in at offset %d", d.pos)
	}
	lead := d.data[d.pos : d.pos+leadInSize]
	if string(lead[0:4]) != leadInTag {
		if d.pos == 0 {
			return ErrNotTDMS
		}
		return fmt.Errorf("bad segment tag at offset %d", d.pos)
	}

	toc := binary.LittleEndian.Uint32(lead[4:8])
	if toc&tocBigEndian != 0 {
		return fmt.Errorf("big-endian segments are not supported")
	}
	if toc&tocDAQmxRaw != 0 {
		return fmt.Errorf("DAQmx raw data is not supported")
	}
	if toc&tocInterleaved != 0 {
		return fmt.Errorf("interleaved raw data is not supported")
	}

	version := binary.LittleEndian.Uint32(lead[8:12])
	if version != 4712 && version != 4713 {
		return fmt.Errorf("unsupported TDMS version %d", version)
	}

	nextSegOfs := binary.LittleEndian.Uint64(lead[12:20])
	rawOfs := binary.LittleEndian.Uint64(lead[20:28])
	if nextSegOfs == math.MaxUint64 {
		return fmt.Errorf("segment at offset %d was not finished by the writer", d.pos)
	}

	metaStart := d.pos + leadInSize
	dataStart := metaStart + int(rawOfs)
	segEnd := metaStart + int(nextSegOfs)
	if dataStart > len(d.data) || segEnd > len(d.data) || dataStart > segEnd {
		return fmt.Errorf("segment at offset %d exceeds file size", d.pos)
	}

	if toc&tocMetaData != 0 {
		if err := d.metadata(d.data[metaStart:dataStart], toc&tocNewObjList != 0); err != nil {
			return err
		}
	}

	if toc&tocRawData != 0 {
		if err := d.rawData(dataStart, segEnd); err != nil {
			return err
		}
	}

	d.pos = segEnd
	return nil
}

// metadata parses the object list of a segment and updates raw data order.
func (d *decoder) metadata(meta []byte, newObjList bool) error {
	c := &cursor{buf: meta}

	if newObjList {
		d.order = d.order[:0]
	}

	numObjects, err := c.u32()
	if err != nil {
		return err
	}

	for i := uint32(0); i < numObjects; i++ {
		path, err := c.str()
		if err != nil {
			return err
		}

		st, known := d.states[path]
		if !known {
			st = &objState{path: path}
			d.states[path] = st
			if err := d.bindChannel(st); err != nil {
				return err
			}
		}
		inOrder := !newObjList && known && containsState(d.order, st)

		rawIndex, err := c.u32()
		if err != nil {
			return err
		}
		switch rawIndex {
		case rawIndexNone:
			st.hasRaw = false
		case rawIndexMatches:
			if st.dataType == typeVoid {
				return fmt.Errorf("object %s matches previous index but has none", path)
			}
			st.hasRaw = true
		default:
			// rawIndex is the byte length of the index block that follows.
			dt, err := c.u32()
			if err != nil {
				return err
			}
			dim, err := c.u32()
			if err != nil {
				return err
			}
			if dim != 1 {
				return fmt.Errorf("object %s has array dimension %d, only 1 is supported", path, dim)
			}
			n, err := c.u64()
			if err != nil {
				return err
			}
			st.dataType = dt
			st.numValues = n
			if dt == typeString {
				total, err := c.u64()
				if err != nil {
					return err
				}
				st.byteSize = total
			} else {
				size, ok := typeSize(dt)
				if !ok {
					return fmt.Errorf("object %s has unsupported data type 0x%x", path, dt)
				}
				st.byteSize = uint64(size) * n
			}
			st.hasRaw = true
		}

		if err := skipProperties(c); err != nil {
			return fmt.Errorf("object %s: %w", path, err)
		}

		if st.hasRaw && !inOrder {
			d.order = append(d.order, st)
		}
	}
	return nil
}

// bindChannel creates the channel (and its group) for a channel object path.
// Root and group objects carry no values and bind nothing.
func (d *decoder) bindChannel(st *objState) error {
	groupName, channelName, depth, err := parsePath(st.path)
	if err != nil {
		return err
	}
	if depth < 2 {
		if depth == 1 {
			d.group(groupName)
		}
		return nil
	}
	g := d.group(groupName)
	st.channel = &Channel{Name: channelName}
	g.Channels = append(g.Channels, st.channel)
	return nil
}

func (d *decoder) group(name string) *Group {
	if g, ok := d.groups[name]; ok {
		return g
	}
	g := &Group{Name: name}
	d.groups[name] = g
	d.file.groups = append(d.file.groups, g)
	return g
}

// rawData decodes the contiguous raw section of a segment. A segment may
// contain several chunks, each holding every active channel once.
func (d *decoder) rawData(dataStart, segEnd int) error {
	var chunkSize uint64
	for _, st := range d.order {
		if st.hasRaw {
			chunkSize += st.byteSize
		}
	}
	if chunkSize == 0 {
		return nil
	}

	total := uint64(segEnd - dataStart)
	numChunks := total / chunkSize
	if numChunks == 0 {
		return fmt.Errorf("segment raw section (%d bytes) smaller than one chunk (%d bytes)", total, chunkSize)
	}

	c := &cursor{buf: d.data[dataStart:segEnd]}
	for chunk := uint64(0); chunk < numChunks; chunk++ {
		for _, st := range d.order {
			if !st.hasRaw {
				continue
			}
			if err := decodeValues(c, st); err != nil {
				return fmt.Errorf("channel %s: %w", st.path, err)
			}
		}
	}
	return nil
}

// decodeValues reads one chunk worth of values for an object.
func decodeValues(c *cursor, st *objState) error {
	ch := st.channel
	if ch == nil {
		// Group objects never carry raw data in the supported layout.
		return c.skip(int(st.byteSize))
	}

	switch st.dataType {
	case typeString:
		ch.kind = KindString
		// numValues end offsets, then the concatenated bytes.
		ends := make([]uint32, st.numValues)
		for i := range ends {
			v, err := c.u32()
			if err != nil {
				return err
			}
			ends[i] = v
		}
		blobSize := int(st.byteSize) - 4*len(ends)
		blob, err := c.bytes(blobSize)
		if err != nil {
			return err
		}
		start := uint32(0)
		for _, end := range ends {
			if int(end) > len(blob) || end < start {
				return fmt.Errorf("corrupt string offsets")
			}
			ch.strs = append(ch.strs, string(blob[start:end]))
			start = end
		}
	case typeTimestamp:
		ch.kind = KindTime
		for i := uint64(0); i < st.numValues; i++ {
			frac, err := c.u64()
			if err != nil {
				return err
			}
			secs, err := c.u64()
			if err != nil {
				return err
			}
			ch.times = append(ch.times, tdmsTime(int64(secs), frac))
		}
	default:
		ch.kind = KindNumeric
		for i := uint64(0); i < st.numValues; i++ {
			v, err := numericValue(c, st.dataType)
			if err != nil {
				return err
			}
			ch.floats = append(ch.floats, v)
		}
	}
	return nil
}

func numericValue(c *cursor, dt uint32) (float64, error) {
	switch dt {
	case typeI8:
		b, err := c.bytes(1)
		if err != nil {
			return 0, err
		}
		return float64(int8(b[0])), nil
	case typeU8, typeBool:
		b, err := c.bytes(1)
		if err != nil {
			return 0, err
		}
		return float64(b[0]), nil
	case typeI16:
		v, err := c.u16()
		return float64(int16(v)), err
	case typeU16:
		v, err := c.u16()
		return float64(v), err
	case typeI32:
		v, err := c.u32()
		return float64(int32(v)), err
	case typeU32:
		v, err := c.u32()
		return float64(v), err
	case typeI64:
		v, err := c.u64()
		return float64(int64(v)), err
	case typeU64:
		v, err := c.u64()
		return float64(v), err
	case typeFloat32:
		v, err := c.u32()
		return float64(math.Float32frombits(v)), err
	case typeFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	default:
		return 0, fmt.Errorf("unsupported numeric type 0x%x", dt)
	}
}

// tdmsTime converts a TDMS timestamp (seconds since 1904, positive 2^-64
// second fractions) to time.Time.
func tdmsTime(secs int64, frac uint64) time.Time {
	ns := int64(math.Round(float64(frac) / (1 << 32) / (1 << 32) * 1e9))
	return tdmsEpoch.Add(time.Duration(secs)*time.Second + time.Duration(ns)*time.Nanosecond)
}

func typeSize(dt uint32) (int, bool) {
	switch dt {
	case typeI8, typeU8, typeBool:
		return 1, true
	case typeI16, typeU16:
		return 2, true
	case typeI32, typeU32, typeFloat32:
		return 4, true
	case typeI64, typeU64, typeFloat64:
		return 8, true
	case typeTimestamp:
		return 16, true
	default:
		return 0, false
	}
}

// skipProperties advances the cursor past an object's property list.
func skipProperties(c *cursor) error {
	numProps, err := c.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < numProps; i++ {
		if _, err := c.str(); err != nil {
			return err
		}
		dt, err := c.u32()
		if err != nil {
			return err
		}
		if dt == typeString {
			if _, err := c.str(); err != nil {
				return err
			}
			continue
		}
		size, ok := typeSize(dt)
		if !ok {
			return fmt.Errorf("property with unsupported type 0x%x", dt)
		}
		if err := c.skip(size); err != nil {
			return err
		}
	}
	return nil
}

// parsePath splits an object path such as /'group'/'channel'.
// depth is 0 for the root object, 1 for a group, 2 for a channel.
func parsePath(path string) (group, channel string, depth int, err error) {
	if path == "/" {
		return "", "", 0, nil
	}
	rest := path
	var parts []string
	for len(rest) > 0 {
		if !strings.HasPrefix(rest, "/'") {
			return "", "", 0, fmt.Errorf("malformed object path %q", path)
		}
		rest = rest[2:]
		var sb strings.Builder
		for {
			i := strings.IndexByte(rest, '\'')
			if i < 0 {
				return "", "", 0, fmt.Errorf("malformed object path %q", path)
			}
			// Doubled quotes are escaped quotes within a name.
			if i+1 < len(rest) && rest[i+1] == '\'' {
				sb.WriteString(rest[:i+1])
				rest = rest[i+2:]
				continue
			}
			sb.WriteString(rest[:i])
			rest = rest[i+1:]
			break
		}
		parts = append(parts, sb.String())
	}
	switch len(parts) {
	case 1:
		return parts[0], "", 1, nil
	case 2:
		return parts[0], parts[1], 2, nil
	default:
		return "", "", 0, fmt.Errorf("object path %q has depth %d", path, len(parts))
	}
}

func containsState(order []*objState, st *objState) bool {
	for _, o := range order {
		if o == st {
			return true
		}
	}
	return false
}

// cursor is a bounds-checked little-endian reader over a byte slice.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if n < 0 || c.off+n > len(c.buf) {
		return nil, fmt.Errorf("truncated data: need %d bytes at offset %d of %d", n, c.off, len(c.buf))
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) skip(n int) error {
	_, err := c.bytes(n)
	return err
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u32()
	if err != nil {
		return "", err
	}
	b, err := c.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
