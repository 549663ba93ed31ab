package master

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/callscore/platform/internal/status"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	seq := [][]float32{
		{1.5, -2.25, 0},
		{0.125, 3.75, -1},
	}
	if err := cache.Save("elk-bugle", seq); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := cache.Load("elk-bugle")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(seq) {
		t.Fatalf("frames = %d, want %d", len(got), len(seq))
	}
	for i := range seq {
		for j := range seq[i] {
			if got[i][j] != seq[i][j] {
				t.Errorf("value (%d,%d) = %v, want %v", i, j, got[i][j], seq[i][j])
			}
		}
	}
}

func TestLoadMissingEntry(t *testing.T) {
	cache, _ := NewCache(t.TempDir())
	if _, err := cache.Load("never-saved"); !status.IsCode(err, status.FileNotFound) {
		t.Errorf("error = %v, want FileNotFound", err)
	}
}

func TestSaveRejectsEmptySequence(t *testing.T) {
	cache, _ := NewCache(t.TempDir())
	if err := cache.Save("empty", nil); !status.IsCode(err, status.InvalidParams) {
		t.Errorf("error = %v, want InvalidParams", err)
	}
}

func TestLoadRejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	cache, _ := NewCache(dir)

	header := func(frames, coeffs uint32) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint32(b[0:4], frames)
		binary.LittleEndian.PutUint32(b[4:8], coeffs)
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", []byte{1, 2, 3}},
		{"zero frames", header(0, 13)},
		{"zero coeffs", header(5, 0)},
		{"absurd coeffs", header(5, 100000)},
		{"body too short", append(header(10, 13), make([]byte, 16)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".mfc")
			if err := os.WriteFile(path, tt.data, 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := cache.Load(tt.name); !status.IsCode(err, status.ProcessingError) {
				t.Errorf("error = %v, want ProcessingError", err)
			}
		})
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	cache, _ := NewCache(dir)

	if err := cache.Save("call", [][]float32{{1, 2}}); err != nil {
		t.Fatal(err)
	}
	if err := cache.Save("call", [][]float32{{3, 4}, {5, 6}}); err != nil {
		t.Fatal(err)
	}

	got, err := cache.Load("call")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0][0] != 3 {
		t.Errorf("loaded stale data: %v", got)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".mfc" {
			t.Errorf("stray file in cache dir: %s", e.Name())
		}
	}
}
