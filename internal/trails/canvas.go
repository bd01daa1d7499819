package trails

// Canvas holds the running per-sample maximum of every folded image.
// The zero value is an empty canvas ready for its first Fold.
type Canvas struct {
	geom    Geometry
	samples []float32
	ready   bool
}

// Initialized reports whether at least one image has been folded.
func (c *Canvas) Initialized() bool {
	return c.ready
}

// Geometry returns the canvas layout; zero until the first fold.
func (c *Canvas) Geometry() Geometry {
	return c.geom
}

// Fold merges img into the canvas. The first image is copied verbatim and fixes the
// geometry; later images must match it.
func (c *Canvas) Fold(img *Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if !c.ready {
		c.geom = img.Geometry()
		if cap(c.samples) < len(img.Pix) {
			c.samples = make([]float32, len(img.Pix))
		}
		c.samples = c.samples[:len(img.Pix)]
		for i, v := range img.Pix {
			c.samples[i] = float32(v)
		}
		c.ready = true
		return nil
	}
	if img.Geometry() != c.geom {
		return &DimensionMismatchError{Want: c.geom, Got: img.Geometry()}
	}
	for i, v := range img.Pix {
		if f := float32(v); f > c.samples[i] {
			c.samples[i] = f
		}
	}
	return nil
}

// Reset empties the canvas but keeps its buffer for reuse.
func (c *Canvas) Reset() {
	c.ready = false
	c.geom = Geometry{}
}

// Quantize returns a new displayable image of the current canvas state.
func (c *Canvas) Quantize() *Image {
	out := &Image{Width: c.geom.Width, Height: c.geom.Height, Channels: c.geom.Channels}
	out.Pix = c.QuantizeInto(nil)
	return out
}

// QuantizeInto clamps every sample to [0, MaxSample], truncates it to 8 bits and writes
// the result into dst, growing it only when too small.
func (c *Canvas) QuantizeInto(dst []uint8) []uint8 {
	n := len(c.samples)
	if !c.ready {
		n = 0
	}
	if cap(dst) < n {
		dst = make([]uint8, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		v := c.samples[i]
		switch {
		case v <= 0:
			dst[i] = 0
		case v >= MaxSample:
			dst[i] = MaxSample
		default:
			dst[i] = uint8(v)
		}
	}
	return dst
}
