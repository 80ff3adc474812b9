package tdms

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tdmstools/tdms-daily/pkg/tdms/tdmstest"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.tdms")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenSingleGroup(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	path := writeFile(t, tdmstest.Encode("Measurement",
		tdmstest.TimeChannel("Time", t0, t0.Add(time.Second)),
		tdmstest.Float64Channel("Temp", 20.5, 21.25),
		tdmstest.Int32Channel("Cycles", 3, -4),
	))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	g, err := f.Group()
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if g.Name != "Measurement" {
		t.Errorf("group name = %q", g.Name)
	}
	if len(g.Channels) != 3 {
		t.Fatalf("got %d channels, want 3", len(g.Channels))
	}

	tc := g.Channel("Time")
	if tc == nil || tc.Kind() != KindTime {
		t.Fatalf("Time channel missing or wrong kind")
	}
	if !tc.Times()[0].Equal(t0) {
		t.Errorf("time[0] = %v, want %v", tc.Times()[0], t0)
	}
	if !tc.Times()[1].Equal(t0.Add(time.Second)) {
		t.Errorf("time[1] = %v", tc.Times()[1])
	}

	temp := g.Channel("Temp")
	if temp == nil || temp.Kind() != KindNumeric {
		t.Fatalf("Temp channel missing or wrong kind")
	}
	if temp.Floats()[1] != 21.25 {
		t.Errorf("temp[1] = %v, want 21.25", temp.Floats()[1])
	}

	cycles := g.Channel("Cycles")
	if cycles.Floats()[1] != -4 {
		t.Errorf("cycles[1] = %v, want -4", cycles.Floats()[1])
	}
}

func TestOpenTimestampSubSecond(t *testing.T) {
	ts := time.Date(2024, 3, 2, 23, 59, 58, 999_000_000, time.UTC)
	path := writeFile(t, tdmstest.Encode("g", tdmstest.TimeChannel("Time", ts)))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g, err := f.Group()
	if err != nil {
		t.Fatal(err)
	}
	got := g.Channel("Time").Times()[0]
	if d := got.Sub(ts); math.Abs(float64(d)) > float64(time.Microsecond) {
		t.Errorf("timestamp drifted by %v", d)
	}
}

func TestOpenStringChannel(t *testing.T) {
	path := writeFile(t, tdmstest.Encode("g",
		tdmstest.StringChannel("Status", "ok", "", "degraded"),
	))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g, _ := f.Group()
	ch := g.Channel("Status")
	if ch.Kind() != KindString {
		t.Fatalf("kind = %v, want KindString", ch.Kind())
	}
	want := []string{"ok", "", "degraded"}
	got := ch.Strings()
	if len(got) != len(want) {
		t.Fatalf("got %d strings, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("strings[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOpenMultiSegmentAppends(t *testing.T) {
	seg1 := tdmstest.Encode("g", tdmstest.Float64Channel("V", 1, 2))
	seg2 := tdmstest.Encode("g", tdmstest.Float64Channel("V", 3))
	path := writeFile(t, append(seg1, seg2...))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g, _ := f.Group()
	ch := g.Channel("V")
	if ch.Len() != 3 {
		t.Fatalf("len = %d, want 3", ch.Len())
	}
	for i, want := range []float64{1, 2, 3} {
		if ch.Floats()[i] != want {
			t.Errorf("v[%d] = %v, want %v", i, ch.Floats()[i], want)
		}
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := writeFile(t, []byte("this is not a measurement file at all"))
	if _, err := Open(path); !errors.Is(err, ErrNotTDMS) {
		t.Errorf("err = %v, want ErrNotTDMS", err)
	}

	short := writeFile(t, []byte("TDSm"))
	if _, err := Open(short); err == nil {
		t.Error("expected error for truncated file")
	}
}

func TestGroupMissing(t *testing.T) {
	f := &File{}
	if _, err := f.Group(); err == nil {
		t.Error("expected error for file without groups")
	}
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		path    string
		group   string
		channel string
		depth   int
	}{
		{"/", "", "", 0},
		{"/'grp'", "grp", "", 1},
		{"/'grp'/'chan'", "grp", "chan", 2},
		{"/'it''s'/'ch'", "it's", "ch", 2},
	}
	for _, c := range cases {
		g, ch, depth, err := parsePath(c.path)
		if err != nil {
			t.Errorf("parsePath(%q): %v", c.path, err)
			continue
		}
		if g != c.group || ch != c.channel || depth != c.depth {
			t.Errorf("parsePath(%q) = (%q, %q, %d), want (%q, %q, %d)",
				c.path, g, ch, depth, c.group, c.channel, c.depth)
		}
	}

	if _, _, _, err := parsePath("no-slash"); err == nil {
		t.Error("expected error for malformed path")
	}
}
