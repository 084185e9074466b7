// Package gstsource reads decoded BGR frames from a GStreamer pipeline.
//
// Pipeline structure (RTSP):
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → capsfilter(BGR) → appsink
//
// Any other URI goes through uridecodebin instead of the RTSP chain. Frames
// keep the stream's native resolution; resizing is done by the capture loop.
package gstsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/orion-recorder/internal/logging"
	"github.com/care/orion-recorder/internal/source"
	"github.com/care/orion-recorder/internal/types"
)

const sinkName = "recsink"

// Config configures a GStreamer source
type Config struct {
	URL string
	// ReadTimeout bounds a single Read (default 2s)
	ReadTimeout time.Duration
	// OpenTimeout bounds Open waiting for the pipeline to reach PLAYING (default 10s)
	OpenTimeout time.Duration
}

// Source implements source.Source on top of a GStreamer appsink
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool

	// latest decoded frame; the appsink callback overwrites it when the
	// reader is behind (max-buffers=1 drop=true semantics)
	frames  chan types.Frame
	errs    chan error
	playing chan struct{}

	frameCount atomic.Uint64
	bytesRead  atomic.Uint64
}

// New creates a GStreamer source. Nothing is connected until Open.
func New(cfg Config, logger *slog.Logger) *Source {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	return &Source{
		cfg:    cfg,
		logger: logger.With("component", "gst_source", "url", logging.RedactURL(cfg.URL)),
	}
}

// pipelineString builds the launch line for url
func pipelineString(url string) string {
	tail := fmt.Sprintf("videoconvert ! video/x-raw,format=BGR ! appsink name=%s sync=false max-buffers=1 drop=true", sinkName)
	if strings.HasPrefix(url, "rtsp://") || strings.HasPrefix(url, "rtsps://") {
		// protocols=4: TCP only
		return fmt.Sprintf("rtspsrc location=%s protocols=4 latency=200 ! rtph264depay ! avdec_h264 ! %s", url, tail)
	}
	return fmt.Sprintf("uridecodebin uri=%s ! %s", url, tail)
}

// Open builds the pipeline, sets it to PLAYING and waits until it gets there
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline != nil {
		return fmt.Errorf("source already open")
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(pipelineString(s.cfg.URL))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		return fmt.Errorf("failed to find appsink: %w", err)
	}
	sink := app.SinkFromElement(elem)

	s.frames = make(chan types.Frame, 1)
	s.errs = make(chan error, 1)
	s.playing = make(chan struct{})
	s.closed = false

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	busCtx, cancel := context.WithCancel(context.Background())
	s.pipeline = pipeline
	s.sink = sink
	s.cancel = cancel

	s.wg.Add(1)
	go s.watchBus(busCtx, pipeline)

	timer := time.NewTimer(s.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case <-s.playing:
		s.logger.Info("gstreamer source playing")
		return nil
	case err := <-s.errs:
		s.teardown()
		return err
	case <-timer.C:
		s.teardown()
		return fmt.Errorf("timeout waiting for pipeline to play after %v", s.cfg.OpenTimeout)
	case <-ctx.Done():
		s.teardown()
		return ctx.Err()
	}
}

// watchBus polls pipeline messages until cancelled
func (s *Source) watchBus(ctx context.Context, pipeline *gst.Pipeline) {
	defer s.wg.Done()

	var playingOnce sync.Once
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Short timeout keeps shutdown responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Info("end of stream")
			s.pushErr(fmt.Errorf("end of stream: %w", source.ErrNoFrame))

		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Error("pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			s.pushErr(fmt.Errorf("pipeline error: %w", gerr))

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				s.logger.Debug("pipeline state changed", "from", old, "to", new)
				if new == gst.StatePlaying {
					playingOnce.Do(func() { close(s.playing) })
				}
			}
		}
	}
}

func (s *Source) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// onNewSample copies the mapped buffer out of GStreamer memory
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	width, height := capsSize(sample.GetCaps())
	if width == 0 || height == 0 {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frame := types.Frame{
		Seq:       s.frameCount.Add(1),
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Channels:  3,
		Data:      packRows(data, width, height, 3),
		TraceID:   uuid.New().String(),
	}
	s.bytesRead.Add(uint64(len(data)))

	// Replace an unread frame: the reader only ever wants the newest one
	select {
	case s.frames <- frame:
	default:
		select {
		case <-s.frames:
		default:
		}
		select {
		case s.frames <- frame:
		default:
		}
	}
	return gst.FlowOK
}

// capsSize extracts width/height from negotiated caps
func capsSize(caps *gst.Caps) (int, int) {
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0
	}
	structure := caps.GetStructureAt(0)

	var width, height int
	if val, err := structure.GetValue("width"); err == nil {
		width, _ = val.(int)
	}
	if val, err := structure.GetValue("height"); err == nil {
		height, _ = val.(int)
	}
	return width, height
}

// packRows copies data into a tightly packed buffer. GStreamer pads raw video
// rows to 4-byte strides, so width*channels is not always the row length.
func packRows(data []byte, width, height, channels int) []byte {
	row := width * channels
	out := make([]byte, row*height)
	if len(data) == len(out) {
		copy(out, data)
		return out
	}
	stride := len(data) / height
	if stride < row {
		copy(out, data)
		return out
	}
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return out
}

// Read waits for the next decoded frame
func (s *Source) Read(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	closed, frames, errs := s.closed, s.frames, s.errs
	s.mu.Unlock()

	if closed {
		return types.Frame{}, source.ErrClosed
	}
	if frames == nil {
		return types.Frame{}, source.ErrNotOpen
	}

	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case frame := <-frames:
		return frame, nil
	case err := <-errs:
		return types.Frame{}, err
	case <-timer.C:
		return types.Frame{}, source.ErrNoFrame
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Close stops the pipeline
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.teardown()

	s.logger.Info("gstreamer source closed",
		"frames_received", s.frameCount.Load(),
		"bytes_read", s.bytesRead.Load(),
	)
	return nil
}

// teardown releases pipeline resources. Caller holds mu.
func (s *Source) teardown() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
	if s.pipeline != nil {
		s.pipeline.SetState(gst.StateNull)
		s.pipeline = nil
		s.sink = nil
	}
}
