// Package audio captures microphone input into the bounded chunk queue.
package audio

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/callscore/platform/internal/chunkqueue"
	"github.com/callscore/platform/internal/status"
)

// Config for the capturer.
type Config struct {
	// SampleRate of the opened stream, in Hz.
	SampleRate float64

	// FramesPerBuffer is the read size per callback; it must not exceed
	// the queue's per-chunk capacity.
	FramesPerBuffer int

	// PreferredDevice, when non-empty, selects the first input device
	// whose name contains this string (case-insensitive). Otherwise the
	// host's default input device is used.
	PreferredDevice string
}

// Capturer reads mono audio from one input device and enqueues it. The
// queue absorbs bursts; when it is full the chunk is dropped and the
// queue's overrun counter records the loss.
type Capturer struct {
	cfg   Config
	queue chunkqueue.Queue

	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	running bool
	dropped uint64
}

// NewCapturer initializes the audio host and prepares a capturer that
// feeds the given queue. Callers must Stop it to release the host.
func NewCapturer(cfg Config, queue chunkqueue.Queue) (*Capturer, error) {
	if cfg.SampleRate <= 0 {
		return nil, status.Newf(status.InvalidParams, "sample rate %v must be positive", cfg.SampleRate)
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 512
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, status.Wrap(err, status.ProcessingError, "initialize audio host")
	}
	return &Capturer{cfg: cfg, queue: queue}, nil
}

// Start opens the input device and begins the read loop. Idempotent while
// running.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	dev, err := c.selectDevice()
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      c.cfg.SampleRate,
		FramesPerBuffer: c.cfg.FramesPerBuffer,
	}

	buf := make([]float32, c.cfg.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return status.Wrapf(err, status.ProcessingError, "open stream on %s", dev.Name)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return status.Wrapf(err, status.ProcessingError, "start stream on %s", dev.Name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.stream = stream
	c.cancel = cancel
	c.running = true
	slog.Info("audio capture started",
		"device", dev.Name, "sample_rate", c.cfg.SampleRate, "frames", c.cfg.FramesPerBuffer)

	go c.readLoop(runCtx, stream, buf, dev.Name)
	return nil
}

func (c *Capturer) selectDevice() (*portaudio.DeviceInfo, error) {
	if c.cfg.PreferredDevice != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, status.Wrap(err, status.ProcessingError, "enumerate audio devices")
		}
		want := strings.ToLower(c.cfg.PreferredDevice)
		for _, dev := range devices {
			if dev.MaxInputChannels < 1 {
				continue
			}
			if strings.Contains(strings.ToLower(dev.Name), want) {
				return dev, nil
			}
		}
		slog.Warn("preferred device not found, falling back to default",
			"preferred", c.cfg.PreferredDevice)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, status.Wrap(err, status.FileNotFound, "no default input device")
	}
	return dev, nil
}

func (c *Capturer) readLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, device string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			slog.Debug("audio read error", "device", device, "error", err)
			return
		}

		c.submit(buf, device)
	}
}

func (c *Capturer) submit(buf []float32, device string) {
	if c.queue.TryEnqueue(buf) {
		return
	}
	c.mu.Lock()
	c.dropped++
	n := c.dropped
	c.mu.Unlock()
	if n%100 == 1 {
		slog.Warn("capture queue full, dropping audio", "device", device, "dropped", n)
	}
}

// Dropped reports chunks lost to a full queue since construction.
func (c *Capturer) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Stop ends the read loop, closes the stream, and releases the audio host.
func (c *Capturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		_ = c.stream.Stop()
		_ = c.stream.Close()
		c.stream = nil
	}
	c.running = false
	_ = portaudio.Terminate()
}
