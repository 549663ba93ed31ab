package feature

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/callscore/platform/internal/status"
)

// WavDecoder is the default Decoder: a minimal RIFF/WAVE reader supporting
// 16-bit PCM and 32-bit IEEE float data, averaging interleaved channels to
// mono. Master-call assets are plain WAV files; other container formats are
// out of scope.
type WavDecoder struct{}

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// DecodeMonoFloat implements Decoder.
func (WavDecoder) DecodeMonoFloat(path string) ([]float32, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, 0, status.Wrapf(err, status.FileNotFound, "audio asset %s", path)
		}
		return nil, 0, 0, status.Wrapf(err, status.ProcessingError, "open %s", path)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, 0, status.Wrapf(err, status.ProcessingError, "read %s", path)
	}

	return decodeWav(raw, path)
}

func decodeWav(raw []byte, path string) ([]float32, int, int, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, 0, status.Newf(status.ProcessingError, "%s is not a RIFF/WAVE file", path)
	}

	var (
		format     uint16
		channels   int
		sampleRate int
		bitDepth   int
		data       []byte
		haveFmt    bool
	)

	// Walk the chunk list; chunks are 2-byte aligned.
	for pos := 12; pos+8 <= len(raw); {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(raw) {
			return nil, 0, 0, status.Newf(status.ProcessingError, "%s: truncated %q chunk", path, id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, status.Newf(status.ProcessingError, "%s: short fmt chunk", path)
			}
			format = binary.LittleEndian.Uint16(raw[body : body+2])
			channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			bitDepth = int(binary.LittleEndian.Uint16(raw[body+14 : body+16]))
			haveFmt = true
		case "data":
			data = raw[body : body+size]
		}

		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	if !haveFmt || data == nil {
		return nil, 0, 0, status.Newf(status.ProcessingError, "%s: missing fmt or data chunk", path)
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, 0, status.Newf(status.ProcessingError, "%s: invalid fmt (%d ch, %d Hz)", path, channels, sampleRate)
	}

	var interleaved []float32
	switch {
	case format == wavFormatPCM && bitDepth == 16:
		interleaved = pcm16ToFloat(data)
	case format == wavFormatFloat && bitDepth == 32:
		interleaved = float32FromBytes(data)
	default:
		return nil, 0, 0, status.Newf(status.ProcessingError,
			"%s: unsupported encoding (format %d, %d-bit)", path, format, bitDepth)
	}

	return mixToMono(interleaved, channels), sampleRate, channels, nil
}

func pcm16ToFloat(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		out[i] = float32(s) / 32768
	}
	return out
}

func float32FromBytes(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return out
}

func mixToMono(interleaved []float32, channels int) []float32 {
	if channels == 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	scale := 1 / float32(channels)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum * scale
	}
	return mono
}
