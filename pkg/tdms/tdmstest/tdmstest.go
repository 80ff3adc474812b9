// Package tdmstest builds synthetic TDMS files for tests.
//
// The builder emits a single little-endian segment with contiguous raw
// data: the layout the reader supports and the instrument exporters write.
package tdmstest

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"time"
)

const (
	typeI32       = 0x03
	typeFloat64   = 0x0A
	typeString    = 0x20
	typeTimestamp = 0x44

	tocMetaData   = 1 << 1
	tocNewObjList = 1 << 2
	tocRawData    = 1 << 3
)

var epoch1904 = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)

// Channel describes one channel of the synthetic file.
type Channel struct {
	Name     string
	dataType uint32
	floats   []float64
	ints     []int32
	times    []time.Time
	strs     []string
}

// Float64Channel creates a float64 channel.
func Float64Channel(name string, values ...float64) Channel {
	return Channel{Name: name, dataType: typeFloat64, floats: values}
}

// Int32Channel creates an int32 channel.
func Int32Channel(name string, values ...int32) Channel {
	return Channel{Name: name, dataType: typeI32, ints: values}
}

// TimeChannel creates a TDMS timestamp channel.
func TimeChannel(name string, values ...time.Time) Channel {
	return Channel{Name: name, dataType: typeTimestamp, times: values}
}

// StringChannel creates a string channel.
func StringChannel(name string, values ...string) Channel {
	return Channel{Name: name, dataType: typeString, strs: values}
}

func (c Channel) count() uint64 {
	switch c.dataType {
	case typeTimestamp:
		return uint64(len(c.times))
	case typeString:
		return uint64(len(c.strs))
	case typeI32:
		return uint64(len(c.ints))
	default:
		return uint64(len(c.floats))
	}
}

func (c Channel) rawBytes() []byte {
	var buf bytes.Buffer
	switch c.dataType {
	case typeFloat64:
		for _, v := range c.floats {
			le64(&buf, math.Float64bits(v))
		}
	case typeI32:
		for _, v := range c.ints {
			le32(&buf, uint32(v))
		}
	case typeTimestamp:
		for _, t := range c.times {
			d := t.Sub(epoch1904)
			secs := d / time.Second
			fracNs := d - secs*time.Second
			frac := uint64(float64(fracNs.Nanoseconds()) / 1e9 * (1 << 32) * (1 << 32))
			le64(&buf, frac)
			le64(&buf, uint64(secs))
		}
	case typeString:
		end := uint32(0)
		for _, s := range c.strs {
			end += uint32(len(s))
			le32(&buf, end)
		}
		for _, s := range c.strs {
			buf.WriteString(s)
		}
	}
	return buf.Bytes()
}

// Encode renders a single-group TDMS file with the given channels.
func Encode(group string, channels ...Channel) []byte {
	var meta bytes.Buffer
	le32(&meta, uint32(1+len(channels))) // group object + channels

	// Group object: no raw data, no properties.
	writeString(&meta, objectPath(group))
	le32(&meta, 0xFFFFFFFF)
	le32(&meta, 0)

	var raw bytes.Buffer
	for _, ch := range channels {
		writeString(&meta, objectPath(group, ch.Name))
		data := ch.rawBytes()
		if ch.dataType == typeString {
			le32(&meta, 28) // raw index length with total size field
			le32(&meta, ch.dataType)
			le32(&meta, 1)
			le64(&meta, ch.count())
			le64(&meta, uint64(len(data)))
		} else {
			le32(&meta, 20)
			le32(&meta, ch.dataType)
			le32(&meta, 1)
			le64(&meta, ch.count())
		}
		le32(&meta, 0) // no properties
		raw.Write(data)
	}

	var out bytes.Buffer
	out.WriteString("TDSm")
	le32(&out, tocMetaData|tocNewObjList|tocRawData)
	le32(&out, 4713)
	le64(&out, uint64(meta.Len()+raw.Len()))
	le64(&out, uint64(meta.Len()))
	out.Write(meta.Bytes())
	out.Write(raw.Bytes())
	return out.Bytes()
}

// WriteFile writes a synthetic single-group TDMS file to path.
func WriteFile(path, group string, channels ...Channel) error {
	return os.WriteFile(path, Encode(group, channels...), 0644)
}

func objectPath(names ...string) string {
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString("/'")
		buf.WriteString(replaceQuotes(n))
		buf.WriteString("'")
	}
	return buf.String()
}

func replaceQuotes(s string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte("'"), []byte("''")))
}

func writeString(buf *bytes.Buffer, s string) {
	le32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func le32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func le64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
