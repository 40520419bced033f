package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultQuality is used when Config.Quality is out of range
const DefaultQuality = 75

// MJPEGOutput encodes frames as JPEG and streams them as Motion JPEG over HTTP
type MJPEGOutput struct {
	mu      sync.RWMutex
	config  Config
	running bool

	// Latest encoded frame
	frameMu    sync.RWMutex
	latest     []byte
	lastUpdate time.Time

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	statsMu    sync.Mutex
	frameCount uint64
	dropped    uint64
	startTime  time.Time
}

// Stats describes the preview stream
type Stats struct {
	Running    bool      `json:"running"`
	Frames     uint64    `json:"frames"`
	Dropped    uint64    `json:"dropped"`
	Clients    int       `json:"clients"`
	FPS        float64   `json:"fps"`
	LastUpdate time.Time `json:"last_update"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// SetConfig replaces the encoding options for subsequent frames
func (m *MJPEGOutput) SetConfig(config Config) {
	m.mu.Lock()
	if config.Label == nil {
		config.Label = m.config.Label
	}
	m.config = config
	m.mu.Unlock()
}

// Start marks the output as running. The HTTP handler is mounted separately.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}
	m.running = true

	m.statsMu.Lock()
	m.startTime = time.Now()
	m.frameCount = 0
	m.dropped = 0
	m.statsMu.Unlock()

	logger.WithComponent("mjpeg").Info().
		Int("quality", m.config.Quality).
		Int("max_width", m.config.MaxWidth).
		Msg("MJPEG output started")
	return nil
}

// Stop disconnects every client
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	m.statsMu.Lock()
	frames := m.frameCount
	m.statsMu.Unlock()
	logger.WithComponent("mjpeg").Info().Uint64("frames", frames).Msg("MJPEG output stopped")
	return nil
}

// WriteFrame encodes the frame and broadcasts it. Slow clients skip frames.
func (m *MJPEGOutput) WriteFrame(frame *capture.Frame) error {
	m.mu.RLock()
	running := m.running
	cfg := m.config
	m.mu.RUnlock()
	if !running {
		return fmt.Errorf("MJPEG output not running")
	}

	data, err := Encode(frame, cfg)
	if err != nil {
		return err
	}

	m.frameMu.Lock()
	m.latest = data
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	var dropped uint64
	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- data:
		default:
			dropped++
		}
	}
	m.clientsMu.RUnlock()

	m.statsMu.Lock()
	m.frameCount++
	m.dropped += dropped
	m.statsMu.Unlock()
	return nil
}

// Encode renders a BGR frame as JPEG using cfg
func Encode(frame *capture.Frame, cfg Config) ([]byte, error) {
	img := scale(frame.ToRGBA(), cfg.MaxWidth)
	if cfg.Annotate {
		label := fmt.Sprintf("#%d", frame.Seq)
		if cfg.Label != nil {
			label = cfg.Label() + " " + label
		}
		annotate(img, label)
	}

	quality := cfg.Quality
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// scale downsizes img to maxWidth keeping the aspect ratio
func scale(img *image.RGBA, maxWidth int) *image.RGBA {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func annotate(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	width := d.MeasureString(text).Ceil() + 4
	height := face.Height + 2

	bg := image.Rect(0, 0, width, height).Intersect(img.Bounds())
	draw.Draw(img, bg, &image.Uniform{color.RGBA{0, 0, 0, 160}}, image.Point{}, draw.Over)

	d.Dst = img
	d.Src = image.NewUniform(color.RGBA{0, 255, 0, 255})
	d.Dot = fixed.Point26_6{X: fixed.I(2), Y: fixed.I(face.Ascent + 1)}
	d.DrawString(text)
}

// Latest returns the most recent JPEG and when it was encoded
func (m *MJPEGOutput) Latest() ([]byte, time.Time) {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.latest, m.lastUpdate
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "mjpeg"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stats returns a snapshot of the stream counters
func (m *MJPEGOutput) Stats() Stats {
	s := Stats{Running: m.IsRunning()}

	m.statsMu.Lock()
	s.Frames = m.frameCount
	s.Dropped = m.dropped
	if s.Running && !m.startTime.IsZero() {
		if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
			s.FPS = float64(m.frameCount) / elapsed
		}
	}
	m.statsMu.Unlock()

	m.clientsMu.RLock()
	s.Clients = len(m.clients)
	m.clientsMu.RUnlock()

	_, s.LastUpdate = m.Latest()
	return s
}

// GetHTTPHandler returns the multipart MJPEG stream handler
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "preview disabled", http.StatusServiceUnavailable)
			return
		}
		log := logger.WithComponent("mjpeg")

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frames := make(chan []byte, 2)
		m.clientsMu.Lock()
		m.clients[frames] = struct{}{}
		count := len(m.clients)
		m.clientsMu.Unlock()
		log.Info().Int("clients", count).Msg("Client connected")

		defer func() {
			m.clientsMu.Lock()
			// Stop may already have closed and removed the channel
			delete(m.clients, frames)
			count := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", count).Msg("Client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case data, ok := <-frames:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
					return
				}
				if _, err := w.Write(data); err != nil {
					return
				}
				if _, err := fmt.Fprint(w, "\r\n"); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// GetStatsHandler returns the stream counters as JSON
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}

// GetViewerHandler returns a bare page showing the stream
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>FrameFeed</title>
    <style>
        body { margin: 0; background: #000; display: flex; justify-content: center; align-items: center; min-height: 100vh; }
        img { image-rendering: pixelated; min-width: 50vmin; }
        pre { position: fixed; top: 8px; left: 8px; color: #4ec9b0; font: 12px monospace; }
    </style>
</head>
<body>
    <img src="/stream" alt="FrameFeed preview">
    <pre id="stats"></pre>
    <script>
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/stats/stream');
        ws.onmessage = e => { document.getElementById('stats').textContent = JSON.stringify(JSON.parse(e.data), null, 2); };
    </script>
</body>
</html>`
