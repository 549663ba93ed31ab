package engine

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/callscore/platform/internal/feature"
	"github.com/callscore/platform/internal/master"
	"github.com/callscore/platform/internal/observe"
	"github.com/callscore/platform/internal/status"
)

// stubExtractor emits one 2-wide vector per frame: the frame sum and the
// first sample. Frame size 4, hop 2.
type stubExtractor struct {
	failing bool
}

func (s *stubExtractor) FrameSize() int    { return 4 }
func (s *stubExtractor) Coefficients() int { return 2 }

func (s *stubExtractor) Extract(samples []float32, hopSize int) ([][]float32, error) {
	if s.failing {
		return nil, status.New(status.ProcessingError, "extractor broken")
	}
	if len(samples) < 4 {
		return nil, nil
	}
	frames := 1 + (len(samples)-4)/hopSize
	out := make([][]float32, 0, frames)
	for f := 0; f < frames; f++ {
		frame := samples[f*hopSize : f*hopSize+4]
		var sum float32
		for _, v := range frame {
			sum += v
		}
		out = append(out, []float32{sum, frame[0]})
	}
	return out, nil
}

// stubDecoder serves canned samples per path basename.
type stubDecoder struct {
	files map[string][]float32
}

func (d *stubDecoder) DecodeMonoFloat(path string) ([]float32, int, int, error) {
	name := filepath.Base(path)
	samples, ok := d.files[name]
	if !ok {
		return nil, 0, 0, status.Newf(status.FileNotFound, "audio asset %s", path)
	}
	return samples, 16000, 1, nil
}

func newTestEngine(t *testing.T, decoder feature.Decoder, extractor feature.Extractor) *Engine {
	t.Helper()
	cache, err := master.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(Config{MastersDir: t.TempDir()}, extractor, decoder, cache, metrics)
}

func rampSamples(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i%7) * 0.1
	}
	return s
}

func TestStartSessionValidation(t *testing.T) {
	e := newTestEngine(t, &stubDecoder{}, &stubExtractor{})

	tests := []struct {
		name       string
		sampleRate float64
		bufferSize int
	}{
		{"zero sample rate", 0, 512},
		{"negative sample rate", -16000, 512},
		{"zero buffer", 16000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.StartSession(tt.sampleRate, tt.bufferSize); !status.IsCode(err, status.InvalidParams) {
				t.Errorf("error = %v, want InvalidParams", err)
			}
		})
	}
}

func TestSessionIDsAreMonotonic(t *testing.T) {
	e := newTestEngine(t, &stubDecoder{}, &stubExtractor{})

	a, err := e.StartSession(16000, 512)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.StartSession(16000, 512)
	_ = e.EndSession(a)
	c, _ := e.StartSession(16000, 512)

	if !(a < b && b < c) {
		t.Errorf("ids not monotonic: %d, %d, %d", a, b, c)
	}
}

func TestScoreWithoutMaster(t *testing.T) {
	e := newTestEngine(t, &stubDecoder{}, &stubExtractor{})
	id, _ := e.StartSession(16000, 512)

	score, err := e.SimilarityScore(id)
	if !status.IsCode(err, status.InsufficientData) {
		t.Errorf("error = %v, want InsufficientData", err)
	}
	if score != 0 {
		t.Errorf("score = %v, want 0", score)
	}
}

func TestScoreEmptySessionIsOK(t *testing.T) {
	dec := &stubDecoder{files: map[string][]float32{"call.wav": rampSamples(64)}}
	e := newTestEngine(t, dec, &stubExtractor{})
	if err := e.LoadMasterCall(context.Background(), "call"); err != nil {
		t.Fatalf("LoadMasterCall: %v", err)
	}

	id, _ := e.StartSession(16000, 512)
	score, err := e.SimilarityScore(id)
	if err != nil {
		t.Errorf("silent session error = %v, want nil", err)
	}
	if score != 0 {
		t.Errorf("score = %v, want 0", score)
	}
}

func TestPerfectMatchScoresNearOne(t *testing.T) {
	audio := rampSamples(256)
	dec := &stubDecoder{files: map[string][]float32{"call.wav": audio}}
	e := newTestEngine(t, dec, &stubExtractor{})
	if err := e.LoadMasterCall(context.Background(), "call"); err != nil {
		t.Fatalf("LoadMasterCall: %v", err)
	}

	id, _ := e.StartSession(16000, 512)
	if err := e.ProcessAudioChunk(id, audio); err != nil {
		t.Fatalf("ProcessAudioChunk: %v", err)
	}

	score, err := e.SimilarityScore(id)
	if err != nil {
		t.Fatalf("SimilarityScore: %v", err)
	}
	if score < 0.99 {
		t.Errorf("identical audio score = %v, want > 0.99", score)
	}
}

func TestSilenceSessionScoresLowButDefined(t *testing.T) {
	audio := rampSamples(256)
	dec := &stubDecoder{files: map[string][]float32{"call.wav": audio}}
	e := newTestEngine(t, dec, &stubExtractor{})
	if err := e.LoadMasterCall(context.Background(), "call"); err != nil {
		t.Fatal(err)
	}

	id, _ := e.StartSession(16000, 512)
	if err := e.ProcessAudioChunk(id, make([]float32, 256)); err != nil {
		t.Fatal(err)
	}

	score, err := e.SimilarityScore(id)
	if err != nil {
		t.Fatalf("SimilarityScore: %v", err)
	}
	if math.IsNaN(float64(score)) {
		t.Fatal("score is NaN")
	}
	if score <= 0 || score > 1 {
		t.Errorf("score = %v, want in (0, 1]", score)
	}
}

func TestProcessAudioChunkUnknownSession(t *testing.T) {
	e := newTestEngine(t, &stubDecoder{}, &stubExtractor{})
	if err := e.ProcessAudioChunk(99, rampSamples(16)); !status.IsCode(err, status.InvalidSession) {
		t.Errorf("error = %v, want InvalidSession", err)
	}
}

func TestAccumulationBufferBounded(t *testing.T) {
	e := newTestEngine(t, &stubDecoder{}, &stubExtractor{})
	id, _ := e.StartSession(16000, 512)

	// Feed in odd-sized dribbles: features must appear once a frame (4
	// samples, hop 2) is complete, and the residual stays under one frame.
	total := 0
	for i := 0; i < 50; i++ {
		chunk := rampSamples(3)
		if err := e.ProcessAudioChunk(id, chunk); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		total += len(chunk)

		e.mu.RLock()
		sess := e.sessions[id]
		e.mu.RUnlock()
		sess.mu.Lock()
		residual := len(sess.accum)
		sess.mu.Unlock()
		if residual >= 4 {
			t.Fatalf("after chunk %d residual = %d samples, want < one frame", i, residual)
		}
	}

	n, err := e.SessionFeatureCount(id)
	if err != nil {
		t.Fatal(err)
	}
	// 150 samples at frame 4 / hop 2 leaves 74 full hops worth of frames.
	if want := (total - 4) / 2; n != want+1 {
		t.Errorf("feature count = %d, want %d", n, want+1)
	}
}

func TestEndSessionInvalidatesID(t *testing.T) {
	e := newTestEngine(t, &stubDecoder{}, &stubExtractor{})
	id, _ := e.StartSession(16000, 512)

	if err := e.EndSession(id); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := e.EndSession(id); !status.IsCode(err, status.InvalidSession) {
		t.Errorf("second EndSession error = %v, want InvalidSession", err)
	}
	if err := e.ProcessAudioChunk(id, rampSamples(8)); !status.IsCode(err, status.InvalidSession) {
		t.Errorf("ProcessAudioChunk after end = %v, want InvalidSession", err)
	}
	if _, err := e.SimilarityScore(id); !status.IsCode(err, status.InvalidSession) {
		t.Errorf("SimilarityScore after end = %v, want InvalidSession", err)
	}
}

func TestLoadMasterCallMissingAsset(t *testing.T) {
	e := newTestEngine(t, &stubDecoder{files: map[string][]float32{}}, &stubExtractor{})
	err := e.LoadMasterCall(context.Background(), "ghost")
	if !status.IsCode(err, status.FileNotFound) {
		t.Errorf("error = %v, want FileNotFound", err)
	}
	if e.CurrentMasterID() != "" {
		t.Errorf("master id = %q after failed load, want empty", e.CurrentMasterID())
	}
}

func TestLoadMasterCallRejectsPathyIDs(t *testing.T) {
	e := newTestEngine(t, &stubDecoder{}, &stubExtractor{})
	for _, id := range []string{"", "../etc/passwd", `a\b`} {
		if err := e.LoadMasterCall(context.Background(), id); !status.IsCode(err, status.InvalidParams) {
			t.Errorf("LoadMasterCall(%q) = %v, want InvalidParams", id, err)
		}
	}
}

func TestLoadMasterCallExtractionFailure(t *testing.T) {
	dec := &stubDecoder{files: map[string][]float32{"call.wav": rampSamples(64)}}
	e := newTestEngine(t, dec, &stubExtractor{failing: true})
	if err := e.LoadMasterCall(context.Background(), "call"); !status.IsCode(err, status.ProcessingError) {
		t.Errorf("error = %v, want ProcessingError", err)
	}
}

func TestLoadMasterCallUsesCache(t *testing.T) {
	dec := &stubDecoder{files: map[string][]float32{"call.wav": rampSamples(64)}}
	e := newTestEngine(t, dec, &stubExtractor{})
	if err := e.LoadMasterCall(context.Background(), "call"); err != nil {
		t.Fatal(err)
	}

	// Remove the audio asset: the second load must succeed from cache.
	dec.files = map[string][]float32{}
	if err := e.LoadMasterCall(context.Background(), "call"); err != nil {
		t.Errorf("cached load failed: %v", err)
	}
	if e.CurrentMasterID() != "call" {
		t.Errorf("master id = %q, want call", e.CurrentMasterID())
	}
}

func TestLoadMasterCallRejectsStaleCacheWidth(t *testing.T) {
	audio := rampSamples(64)
	dec := &stubDecoder{files: map[string][]float32{"call.wav": audio}}
	cache, err := master.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	metrics, _ := observe.NewMetrics(noop.NewMeterProvider())
	e := New(Config{MastersDir: t.TempDir()}, &stubExtractor{}, dec, cache, metrics)

	// An entry left behind by an extractor with a wider vector than the
	// configured one. Loading it as-is would blow up the comparator on the
	// first score request.
	stale := [][]float32{{1, 2, 3}, {4, 5, 6}}
	if err := cache.Save("call", stale); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if err := e.LoadMasterCall(context.Background(), "call"); err != nil {
		t.Fatalf("LoadMasterCall: %v", err)
	}

	id, _ := e.StartSession(16000, 512)
	if err := e.ProcessAudioChunk(id, audio); err != nil {
		t.Fatal(err)
	}
	score, err := e.SimilarityScore(id)
	if err != nil {
		t.Fatalf("SimilarityScore: %v", err)
	}
	if score < 0.99 {
		t.Errorf("identical audio score = %v, want > 0.99", score)
	}

	// The re-extraction must have replaced the stale entry.
	cached, err := cache.Load("call")
	if err != nil {
		t.Fatalf("reload cache: %v", err)
	}
	if len(cached) == 0 {
		t.Fatal("cache entry empty after re-extraction")
	}
	if len(cached[0]) != 2 {
		t.Errorf("cache entry still %d wide, want 2", len(cached[0]))
	}
}

func TestLoadMasterCallStaleCacheMissingAsset(t *testing.T) {
	cache, err := master.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	metrics, _ := observe.NewMetrics(noop.NewMeterProvider())
	e := New(Config{MastersDir: t.TempDir()}, &stubExtractor{}, &stubDecoder{}, cache, metrics)

	if err := cache.Save("call", [][]float32{{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}

	// With the audio asset gone the unusable entry cannot be repaired; the
	// load fails rather than serving features the comparator cannot use.
	if err := e.LoadMasterCall(context.Background(), "call"); !status.IsCode(err, status.FileNotFound) {
		t.Errorf("error = %v, want FileNotFound", err)
	}
	if e.CurrentMasterID() != "" {
		t.Errorf("master id = %q after failed load, want empty", e.CurrentMasterID())
	}
}

func TestMasterSwapIsAtomicUnderScoring(t *testing.T) {
	audioA := rampSamples(128)
	audioB := make([]float32, 128)
	for i := range audioB {
		audioB[i] = 0.9
	}
	dec := &stubDecoder{files: map[string][]float32{"a.wav": audioA, "b.wav": audioB}}
	e := newTestEngine(t, dec, &stubExtractor{})
	if err := e.LoadMasterCall(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	id, _ := e.StartSession(16000, 512)
	if err := e.ProcessAudioChunk(id, audioA); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				score, err := e.SimilarityScore(id)
				if err != nil {
					t.Errorf("score error: %v", err)
					return
				}
				if math.IsNaN(float64(score)) {
					t.Error("score is NaN during master swap")
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			which := "a"
			if j%2 == 0 {
				which = "b"
			}
			if err := e.LoadMasterCall(context.Background(), which); err != nil {
				t.Errorf("load %s: %v", which, err)
				return
			}
		}
	}()

	wg.Wait()
}

func TestScoreHistoryRecorded(t *testing.T) {
	audio := rampSamples(64)
	dec := &stubDecoder{files: map[string][]float32{"call.wav": audio}}
	e := newTestEngine(t, dec, &stubExtractor{})
	if err := e.LoadMasterCall(context.Background(), "call"); err != nil {
		t.Fatal(err)
	}

	id, _ := e.StartSession(16000, 512)
	if err := e.ProcessAudioChunk(id, audio); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SimilarityScore(id); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-e.Scores().Events():
		if evt.SessionID != id || evt.MasterID != "call" {
			t.Errorf("event = %+v", evt)
		}
	default:
		t.Error("no score event emitted")
	}
}

func TestRecentScores(t *testing.T) {
	audio := rampSamples(64)
	dec := &stubDecoder{files: map[string][]float32{"call.wav": audio}}
	e := newTestEngine(t, dec, &stubExtractor{})
	if err := e.LoadMasterCall(context.Background(), "call"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.RecentScores(99, time.Minute); !status.IsCode(err, status.InvalidSession) {
		t.Errorf("unknown session error = %v, want InvalidSession", err)
	}

	id, _ := e.StartSession(16000, 512)
	if err := e.ProcessAudioChunk(id, audio); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.SimilarityScore(id); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := e.RecentScores(id, time.Minute)
	if err != nil {
		t.Fatalf("RecentScores: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for _, entry := range entries {
		if entry.MasterID != "call" {
			t.Errorf("entry master = %q, want call", entry.MasterID)
		}
	}

	// Scores recorded before the window opened are not returned.
	time.Sleep(20 * time.Millisecond)
	if stale, _ := e.RecentScores(id, 10*time.Millisecond); len(stale) != 0 {
		t.Errorf("entries inside 10ms window = %d, want 0", len(stale))
	}
}

// End-to-end with the real decoder and extractor: the same WAV fed as a
// master and as session audio must score near 1.
func TestRealCollaboratorsPerfectMatch(t *testing.T) {
	mastersDir := t.TempDir()
	extractor, err := feature.NewBandEnergyExtractor(feature.DefaultBandEnergyConfig())
	if err != nil {
		t.Fatal(err)
	}
	cache, err := master.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	metrics, _ := observe.NewMetrics(noop.NewMeterProvider())
	e := New(Config{MastersDir: mastersDir}, extractor, feature.WavDecoder{}, cache, metrics)

	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(0.4*math.Sin(2*math.Pi*600*float64(i)/16000) +
			0.2*math.Sin(2*math.Pi*1800*float64(i)/16000))
	}
	writeTestWav(t, filepath.Join(mastersDir, "bugle.wav"), samples)

	if err := e.LoadMasterCall(context.Background(), "bugle"); err != nil {
		t.Fatalf("LoadMasterCall: %v", err)
	}

	id, err := e.StartSession(16000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	for off := 0; off < len(samples); off += 1024 {
		end := min(off+1024, len(samples))
		if err := e.ProcessAudioChunk(id, samples[off:end]); err != nil {
			t.Fatalf("chunk at %d: %v", off, err)
		}
	}

	score, err := e.SimilarityScore(id)
	if err != nil {
		t.Fatalf("SimilarityScore: %v", err)
	}
	if score < 0.99 {
		t.Errorf("identical audio score = %v, want > 0.99", score)
	}
}

func writeTestWav(t *testing.T, path string, samples []float32) {
	t.Helper()

	dataSize := len(samples) * 2
	buf := make([]byte, 0, 44+dataSize)
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }

	buf = append(buf, "RIFF"...)
	buf = append(buf, u32(uint32(36+dataSize))...)
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, u32(16000)...)
	buf = append(buf, u32(32000)...)
	buf = append(buf, u16(2)...)
	buf = append(buf, u16(16)...)
	buf = append(buf, "data"...)
	buf = append(buf, u32(uint32(dataSize))...)
	for _, s := range samples {
		buf = append(buf, u16(uint16(int16(s*32767)))...)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}
