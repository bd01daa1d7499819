package imaging

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"startrails/internal/trails"
)

var (
	initMu   sync.Mutex
	initRefs int
)

// Initialize prepares the ImageMagick environment. Every call must be paired with the
// returned release func; the environment is torn down after the last release.
func Initialize() (release func()) {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		imagick.Initialize()
	}
	initRefs++

	var once sync.Once
	return func() {
		once.Do(func() {
			initMu.Lock()
			defer initMu.Unlock()
			initRefs--
			if initRefs == 0 {
				imagick.Terminate()
			}
		})
	}
}

// MagickCodec decodes and encodes frames with the ImageMagick bindings. Any format
// ImageMagick reads is accepted as input; output format follows the file extension.
type MagickCodec struct {
	// Quality is the compression quality for lossy outputs (JPEG); 0 keeps the default.
	Quality uint
}

// Decode reads path and exports its pixels as 8-bit RGB.
func (c *MagickCodec) Decode(path string) (*trails.Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return exportRGB(mw)
}

// Encode writes img to path.
func (c *MagickCodec) Encode(path string, img *trails.Image) error {
	mw, err := constitute(img)
	if err != nil {
		return err
	}
	defer mw.Destroy()

	if err := mw.SetImageDepth(8); err != nil {
		return fmt.Errorf("set bit depth: %w", err)
	}
	if c.Quality > 0 && isJPEG(path) {
		if err := mw.SetImageCompressionQuality(c.Quality); err != nil {
			return fmt.Errorf("set quality: %w", err)
		}
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

func exportRGB(mw *imagick.MagickWand) (*trails.Image, error) {
	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	pixels, err := mw.ExportImagePixels(0, 0, width, height, "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	pix, ok := pixels.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel buffer type %T", pixels)
	}
	return &trails.Image{Width: int(width), Height: int(height), Channels: 3, Pix: pix}, nil
}

func constitute(img *trails.Image) (*imagick.MagickWand, error) {
	if img.Channels != 3 {
		return nil, fmt.Errorf("expected RGB image, got %d channels", img.Channels)
	}
	mw := imagick.NewMagickWand()
	if err := mw.ConstituteImage(uint(img.Width), uint(img.Height), "RGB", imagick.PIXEL_CHAR, img.Pix); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("create image: %w", err)
	}
	return mw, nil
}

func isJPEG(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}
