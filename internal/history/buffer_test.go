package history

import (
	"fmt"
	"testing"
)

func numbered(from, to int) []string {
	var lines []string
	for i := from; i <= to; i++ {
		lines = append(lines, fmt.Sprintf("I/Seq(  1): line %d", i))
	}
	return lines
}

func TestAppendEvictsOldestFirst(t *testing.T) {
	b := New(5)

	batches := [][]string{numbered(1, 3), numbered(4, 4), numbered(5, 9)}
	for _, batch := range batches {
		b.Append(batch)
		if b.Len() > b.Capacity() {
			t.Fatalf("len %d exceeds capacity %d", b.Len(), b.Capacity())
		}
	}

	entries := b.Entries()
	if len(entries) != 5 {
		t.Fatalf("len = %d, want 5", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("line %d", i+5)
		if e.Message != want {
			t.Errorf("entries[%d] = %q, want %q", i, e.Message, want)
		}
	}
}

func TestAppendSingleBatchLargerThanCapacity(t *testing.T) {
	b := New(3)
	d := b.Append(numbered(1, 10))
	if len(d.Added) != 10 || d.Evicted != 7 {
		t.Errorf("delta = %d added / %d evicted, want 10 / 7", len(d.Added), d.Evicted)
	}
	view := b.View()
	if len(view) != 3 || view[0].Message != "line 8" || view[2].Message != "line 10" {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestDefaultCapacity(t *testing.T) {
	b := New(0)
	if b.Capacity() != DefaultCapacity {
		t.Fatalf("capacity = %d", b.Capacity())
	}
	b.Append(numbered(1, DefaultCapacity+250))
	if b.Len() != DefaultCapacity {
		t.Errorf("len = %d, want %d", b.Len(), DefaultCapacity)
	}
	if first := b.Entries()[0].Message; first != "line 251" {
		t.Errorf("oldest = %q, want line 251", first)
	}
}

func TestBlankLinesProduceNoEntries(t *testing.T) {
	b := New(10)
	b.Append([]string{"", "I/A(1): x", "   "})
	if b.Len() != 1 {
		t.Errorf("len = %d, want 1", b.Len())
	}
}

func TestResetEmptiesHistory(t *testing.T) {
	for _, n := range []int{0, 1, 50} {
		b := New(20)
		b.Append(numbered(1, n))
		b.SetText("line")
		b.Reset()
		if b.Len() != 0 || b.VisibleLen() != 0 || len(b.View()) != 0 {
			t.Errorf("after Reset with %d lines: len=%d visible=%d", n, b.Len(), b.VisibleLen())
		}
	}
}

func TestLevelFilterIsMonotonic(t *testing.T) {
	b := New(100)
	var lines []string
	for _, l := range "VDIWEFS" {
		lines = append(lines, fmt.Sprintf("%c/Tag(  1): %c message", l, l))
	}
	b.Append(lines)

	for threshold := LevelVerbose; threshold <= LevelSilent; threshold++ {
		b.SetMinLevel(threshold)
		passed := map[Level]bool{}
		for _, e := range b.View() {
			passed[e.Level] = true
		}
		for l1 := LevelVerbose; l1 <= LevelSilent; l1++ {
			if !passed[l1] {
				continue
			}
			for l2 := l1; l2 <= LevelSilent; l2++ {
				if !passed[l2] {
					t.Errorf("threshold %v: %v passes but %v does not", threshold, l1, l2)
				}
			}
		}
		if got, want := b.VisibleLen(), int(LevelSilent-threshold)+1; got != want {
			t.Errorf("threshold %v: %d visible, want %d", threshold, got, want)
		}
	}
}

func TestTextFilter(t *testing.T) {
	b := New(100)
	b.Append([]string{
		"06-15 10:23:01.123 1 1 I BootReceiver: Copying audit",
		"06-15 10:23:01.124 1 1 W WifiService: scan boot complete",
		"06-15 10:23:01.125 1 1 E Camera: open failed",
	})

	b.SetText("BOOT")
	view := b.View()
	if len(view) != 2 {
		t.Fatalf("visible = %d, want 2", len(view))
	}
	if view[0].Tag != "BootReceiver" || view[1].Tag != "WifiService" {
		t.Errorf("order not preserved: %+v", view)
	}

	// Tag and message are joined with a space.
	b.SetText("camera: open")
	if b.VisibleLen() != 0 {
		t.Error("colon is not part of the searchable text")
	}
	b.SetText("camera open")
	if b.VisibleLen() != 1 {
		t.Errorf("visible = %d, want 1", b.VisibleLen())
	}

	b.SetFilter(LevelWarn, "")
	if b.VisibleLen() != 2 {
		t.Errorf("visible = %d, want 2", b.VisibleLen())
	}
	if b.Len() != 3 {
		t.Errorf("filtering changed history length to %d", b.Len())
	}
}

func TestAppendUnderFilterTracksEviction(t *testing.T) {
	b := New(4)
	b.SetMinLevel(LevelError)

	d := b.Append([]string{"E/A(1): e1", "I/A(1): i1", "E/A(1): e2", "I/A(1): i2"})
	if len(d.Added) != 2 || d.Evicted != 0 {
		t.Fatalf("delta = %+v", d)
	}

	// Evicts e1 (visible) and i1 (hidden).
	d = b.Append([]string{"I/A(1): i3", "E/A(1): e3"})
	if len(d.Added) != 1 || d.Evicted != 1 {
		t.Errorf("delta = %d added / %d evicted, want 1 / 1", len(d.Added), d.Evicted)
	}
	view := b.View()
	if len(view) != 2 || view[0].Message != "e2" || view[1].Message != "e3" {
		t.Errorf("view = %+v", view)
	}

	b.SetMinLevel(LevelVerbose)
	if b.VisibleLen() != 4 {
		t.Errorf("visible after widening = %d, want 4", b.VisibleLen())
	}
}
