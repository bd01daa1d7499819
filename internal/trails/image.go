package trails

import "fmt"

// MaxSample is the largest displayable 8-bit sample value.
const MaxSample = 255

// Geometry describes the pixel layout shared by images, canvases and video frames.
type Geometry struct {
	Width    int
	Height   int
	Channels int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dx%d", g.Width, g.Height, g.Channels)
}

// Samples returns the number of pixel-channel samples for the geometry.
func (g Geometry) Samples() int {
	return g.Width * g.Height * g.Channels
}

// Image is a decoded 8-bit image with interleaved channels (RGB for the bundled codecs).
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewImage allocates a zeroed image.
func NewImage(width, height, channels int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}
}

// Geometry returns the image layout.
func (img *Image) Geometry() Geometry {
	return Geometry{Width: img.Width, Height: img.Height, Channels: img.Channels}
}

// Validate checks that Pix holds exactly one sample per pixel-channel.
func (img *Image) Validate() error {
	if img.Width <= 0 || img.Height <= 0 || img.Channels <= 0 {
		return fmt.Errorf("invalid image geometry %s", img.Geometry())
	}
	if len(img.Pix) != img.Geometry().Samples() {
		return fmt.Errorf("image has %d samples, geometry %s needs %d", len(img.Pix), img.Geometry(), img.Geometry().Samples())
	}
	return nil
}

// Decoder reads an image file.
type Decoder interface {
	Decode(path string) (*Image, error)
}

// Encoder writes an image file; the format follows the path extension.
type Encoder interface {
	Encode(path string, img *Image) error
}

// Codec decodes input frames and encodes composites and snapshots.
type Codec interface {
	Decoder
	Encoder
}

// Preprocessor transforms a decoded image before it is folded.
// Implementations must keep the geometry unchanged.
type Preprocessor interface {
	Process(img *Image) (*Image, error)
}
