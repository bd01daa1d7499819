package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"startrails/internal/trails"
)

// StdCodec handles PNG and JPEG without ImageMagick.
type StdCodec struct {
	Quality int // JPEG quality, jpeg.DefaultQuality when 0
}

// Decode reads a PNG or JPEG file as 8-bit RGB.
func (c *StdCodec) Decode(path string) (*trails.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return FromImage(src), nil
}

// Encode writes img as PNG or JPEG depending on the extension.
func (c *StdCodec) Encode(path string, img *trails.Image) error {
	rgba, err := ToImage(img)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
		return fmt.Errorf("unsupported image format %q (png, jpg)", ext)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if ext == ".png" {
		err = png.Encode(f, rgba)
	} else {
		q := c.Quality
		if q <= 0 {
			q = jpeg.DefaultQuality
		}
		err = jpeg.Encode(f, rgba, &jpeg.Options{Quality: q})
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// FromImage converts any image.Image to an 8-bit RGB frame.
func FromImage(src image.Image) *trails.Image {
	b := src.Bounds()
	out := trails.NewImage(b.Dx(), b.Dy(), 3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return out
}

// ToImage converts an RGB frame to an opaque image.NRGBA.
func ToImage(img *trails.Image) (*image.NRGBA, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if img.Channels != 3 {
		return nil, fmt.Errorf("expected RGB image, got %d channels", img.Channels)
	}
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for p := 0; p < img.Width*img.Height; p++ {
		copy(out.Pix[p*4:p*4+3], img.Pix[p*3:p*3+3])
		out.Pix[p*4+3] = 0xff
	}
	return out, nil
}
