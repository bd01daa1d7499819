package imaging

import (
	"fmt"
	"strings"

	"startrails/internal/trails"
)

// Backend names accepted by NewCodec.
const (
	BackendImageMagick = "imagemagick"
	BackendStd         = "std"
)

// NewCodec returns the codec for backend. An empty backend selects ImageMagick.
func NewCodec(backend string, quality int) (trails.Codec, error) {
	switch strings.ToLower(backend) {
	case "", BackendImageMagick:
		if quality < 0 {
			quality = 0
		}
		return &MagickCodec{Quality: uint(quality)}, nil
	case BackendStd:
		return &StdCodec{Quality: quality}, nil
	default:
		return nil, fmt.Errorf("unknown image backend %q (imagemagick|std)", backend)
	}
}
