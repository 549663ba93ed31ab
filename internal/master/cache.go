// Package master persists extracted master-call feature sequences so a call
// is decoded and analyzed once, not on every load.
//
// The on-disk format is fixed and little-endian: a uint32 frame count, a
// uint32 coefficient count, then frameCount x coeffCount float32 values
// row-major by frame. Files carry the ".mfc" extension under the cache
// directory, one file per master-call id.
package master

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/callscore/platform/internal/status"
)

// maxCoefficients bounds the header's coefficient count; anything larger
// indicates a corrupt or foreign file.
const maxCoefficients = 256

// Cache stores feature sequences under a directory.
type Cache struct {
	dir string
}

// NewCache creates the cache directory if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, status.Wrapf(err, status.ProcessingError, "create cache dir %s", dir)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(id string) string {
	return filepath.Join(c.dir, id+".mfc")
}

// Load reads the cached sequence for id. Returns FileNotFound when no cache
// entry exists and ProcessingError for a malformed file.
func (c *Cache) Load(id string) ([][]float32, error) {
	path := c.path(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Newf(status.FileNotFound, "no cached features for %s", id)
		}
		return nil, status.Wrapf(err, status.ProcessingError, "read %s", path)
	}

	const headerSize = 8
	if len(raw) < headerSize {
		return nil, status.Newf(status.ProcessingError, "%s: short header", path)
	}

	frames := binary.LittleEndian.Uint32(raw[0:4])
	coeffs := binary.LittleEndian.Uint32(raw[4:8])
	if frames == 0 || coeffs == 0 || coeffs > maxCoefficients {
		return nil, status.Newf(status.ProcessingError, "%s: invalid header (%d frames, %d coeffs)", path, frames, coeffs)
	}

	expected := int(frames) * int(coeffs) * 4
	if len(raw) < headerSize+expected {
		return nil, status.Newf(status.ProcessingError, "%s: size mismatch (have %d bytes, want %d)", path, len(raw)-headerSize, expected)
	}

	seq := make([][]float32, frames)
	body := raw[headerSize:]
	for i := range seq {
		vec := make([]float32, coeffs)
		for j := range vec {
			off := (i*int(coeffs) + j) * 4
			vec[j] = float32frombytes(body[off : off+4])
		}
		seq[i] = vec
	}

	slog.Debug("loaded cached features", "id", id, "frames", frames, "coeffs", coeffs)
	return seq, nil
}

// Save writes the sequence atomically (temp file + rename) so readers never
// observe a partial cache entry.
func (c *Cache) Save(id string, seq [][]float32) error {
	if len(seq) == 0 {
		return status.Newf(status.InvalidParams, "refusing to cache empty sequence for %s", id)
	}
	coeffs := len(seq[0])

	buf := make([]byte, 8, 8+len(seq)*coeffs*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(seq)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(coeffs))

	scratch := make([]byte, 4)
	for _, vec := range seq {
		for _, v := range vec {
			binary.LittleEndian.PutUint32(scratch, float32bits(v))
			buf = append(buf, scratch...)
		}
	}

	path := c.path(id)
	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return status.Wrapf(err, status.ProcessingError, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return status.Wrapf(err, status.ProcessingError, "rename %s", path)
	}

	slog.Debug("saved feature cache", "id", id, "frames", len(seq), "coeffs", coeffs)
	return nil
}

func float32bits(f float32) uint32 { return math.Float32bits(f) }

func float32frombytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
