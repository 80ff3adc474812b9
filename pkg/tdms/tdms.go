// Package tdms reads instrument measurement files in the binary TDMS format.
//
// The reader supports the layout the instrument exporters produce:
// little-endian segments with contiguous (non-interleaved) raw data,
// numeric channels (integer and floating point), TDMS timestamps, and
// string channels. DAQmx raw data, interleaved layouts, and big-endian
// segments are rejected with explicit errors.
package tdms

import (
	"errors"
	"fmt"
	"time"
)

// ValueKind classifies the values a channel holds.
type ValueKind int

const (
	// KindNumeric covers all integer, boolean, and floating point channels,
	// widened to float64.
	KindNumeric ValueKind = iota
	// KindTime covers TDMS timestamp channels.
	KindTime
	// KindString covers variable-length string channels.
	KindString
)

// ErrNotTDMS is returned when a file does not start with a TDMS lead-in.
var ErrNotTDMS = errors.New("not a TDMS file")

// Channel is a named, ordered sequence of values of one kind.
type Channel struct {
	Name string

	kind   ValueKind
	floats []float64
	times  []time.Time
	strs   []string
}

// Kind returns the value kind of the channel.
func (c *Channel) Kind() ValueKind { return c.kind }

// Len returns the number of values in the channel.
func (c *Channel) Len() int {
	switch c.kind {
	case KindTime:
		return len(c.times)
	case KindString:
		return len(c.strs)
	default:
		return len(c.floats)
	}
}

// Floats returns the numeric values. Valid only for KindNumeric.
func (c *Channel) Floats() []float64 { return c.floats }

// Times returns the timestamp values. Valid only for KindTime.
func (c *Channel) Times() []time.Time { return c.times }

// Strings returns the string values. Valid only for KindString.
func (c *Channel) Strings() []string { return c.strs }

// Group is a named collection of channels in file order.
type Group struct {
	Name     string
	Channels []*Channel
}

// Channel returns the channel with the given name, or nil.
func (g *Group) Channel(name string) *Channel {
	for _, c := range g.Channels {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// File is a fully decoded TDMS file.
type File struct {
	groups []*Group
}

// Groups returns the groups in file order.
func (f *File) Groups() []*Group { return f.groups }

// Group returns the single measurement group of the file. The instrument
// exports carry exactly one group; a file with none is an error, and when
// several are present the first is used.
func (f *File) Group() (*Group, error) {
	if len(f.groups) == 0 {
		return nil, fmt.Errorf("file has no measurement group")
	}
	return f.groups[0], nil
}
