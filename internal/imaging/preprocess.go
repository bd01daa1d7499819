package imaging

import (
	"fmt"

	"startrails/internal/trails"
)

// PreprocessOptions tunes the denoise and contrast passes.
type PreprocessOptions struct {
	Denoise          bool
	ContrastStrength float64 // sigmoidal contrast strength, 0 disables
	ContrastMidpoint float64 // fraction of the tonal range, 0.5 is neutral
}

// DefaultPreprocessOptions matches a moderate noise reduction plus local contrast lift.
func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{Denoise: true, ContrastStrength: 3, ContrastMidpoint: 0.5}
}

// MagickPreprocessor denoises and boosts contrast of each frame before it is folded.
// It keeps the frame geometry.
type MagickPreprocessor struct {
	opts PreprocessOptions
}

// NewMagickPreprocessor builds a preprocessor with opts.
func NewMagickPreprocessor(opts PreprocessOptions) *MagickPreprocessor {
	return &MagickPreprocessor{opts: opts}
}

// Process implements trails.Preprocessor.
func (p *MagickPreprocessor) Process(img *trails.Image) (*trails.Image, error) {
	mw, err := constitute(img)
	if err != nil {
		return nil, err
	}
	defer mw.Destroy()

	if p.opts.Denoise {
		if err := mw.EnhanceImage(); err != nil {
			return nil, fmt.Errorf("denoise failed: %w", err)
		}
	}
	if p.opts.ContrastStrength > 0 {
		mid := p.opts.ContrastMidpoint
		if mid <= 0 || mid >= 1 {
			mid = 0.5
		}
		if err := mw.SigmoidalContrastImage(true, p.opts.ContrastStrength, mid); err != nil {
			return nil, fmt.Errorf("contrast failed: %w", err)
		}
	}

	out, err := exportRGB(mw)
	if err != nil {
		return nil, err
	}
	if out.Geometry() != img.Geometry() {
		return nil, fmt.Errorf("preprocessing changed geometry from %s to %s", img.Geometry(), out.Geometry())
	}
	return out, nil
}
