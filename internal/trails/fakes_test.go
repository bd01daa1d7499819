package trails

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

var errCorrupt = errors.New("corrupt file")

// memCodec decodes from an in-memory table and records encodes. Encode also touches the
// file on disk so tests can assert on the filesystem.
type memCodec struct {
	mu      sync.Mutex
	images  map[string]*Image
	fail    map[string]bool
	decodes []string
	encoded map[string]*Image
	buffers map[string]*uint8 // first sample address of each encoded buffer
}

func newMemCodec() *memCodec {
	return &memCodec{
		images:  make(map[string]*Image),
		fail:    make(map[string]bool),
		encoded: make(map[string]*Image),
		buffers: make(map[string]*uint8),
	}
}

func (m *memCodec) add(path string, img *Image) {
	m.images[path] = img
}

func (m *memCodec) Decode(path string) (*Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decodes = append(m.decodes, path)
	if m.fail[path] {
		return nil, errCorrupt
	}
	img, ok := m.images[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	cp := *img
	cp.Pix = append([]uint8(nil), img.Pix...)
	return &cp, nil
}

func (m *memCodec) Encode(path string, img *Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(img.Pix) > 0 {
		m.buffers[path] = &img.Pix[0]
	}
	cp := *img
	cp.Pix = append([]uint8(nil), img.Pix...)
	m.encoded[path] = &cp
	return os.WriteFile(path, cp.Pix, 0o644)
}

type memSink struct {
	frames [][]uint8
	closed bool
	failAt int
}

func (s *memSink) WriteFrame(img *Image) error {
	if s.failAt > 0 && len(s.frames)+1 == s.failAt {
		return errors.New("disk full")
	}
	s.frames = append(s.frames, append([]uint8(nil), img.Pix...))
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

type memOpener struct {
	sink    *memSink
	err     error
	opened  bool
	codec   VideoCodec
	fps     int
	geom    Geometry
	decodes func() int
	// decodesAtOpen records how many decodes happened before the sink was opened
	decodesAtOpen int
}

func (o *memOpener) Open(path string, codec VideoCodec, fps int, geom Geometry) (Sink, error) {
	if o.decodes != nil {
		o.decodesAtOpen = o.decodes()
	}
	if o.err != nil {
		return nil, o.err
	}
	o.opened = true
	o.codec, o.fps, o.geom = codec, fps, geom
	if o.sink == nil {
		o.sink = &memSink{}
	}
	return o.sink, nil
}

// solid returns a 2x2 RGB image filled with v.
func solid(v uint8) *Image {
	img := NewImage(2, 2, 3)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// gradient returns a 2x2 RGB image whose samples are seed+i*step (wrapping).
func gradient(seed, step uint8) *Image {
	img := NewImage(2, 2, 3)
	for i := range img.Pix {
		img.Pix[i] = seed + uint8(i)*step
	}
	return img
}

type progressLog struct {
	calls [][2]int
}

func (p *progressLog) fn() ProgressFunc {
	return func(current, total int) {
		p.calls = append(p.calls, [2]int{current, total})
	}
}

type invertPreprocessor struct{}

func (invertPreprocessor) Process(img *Image) (*Image, error) {
	out := NewImage(img.Width, img.Height, img.Channels)
	for i, v := range img.Pix {
		out.Pix[i] = MaxSample - v
	}
	return out, nil
}

type shrinkPreprocessor struct{}

func (shrinkPreprocessor) Process(img *Image) (*Image, error) {
	return NewImage(1, 1, img.Channels), nil
}

type nilPreprocessor struct{}

func (nilPreprocessor) Process(img *Image) (*Image, error) {
	return nil, nil
}

// truncatePreprocessor drops the last sample of images whose first sample is odd.
type truncatePreprocessor struct{}

func (truncatePreprocessor) Process(img *Image) (*Image, error) {
	if img.Pix[0]%2 == 1 {
		out := *img
		out.Pix = img.Pix[:len(img.Pix)-1]
		return &out, nil
	}
	return img, nil
}
