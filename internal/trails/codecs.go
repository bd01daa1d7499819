package trails

import (
	"path/filepath"
	"strings"
)

// VideoCodec identifies the encoder used for a video container.
type VideoCodec struct {
	Ext     string // container extension, lower case with dot
	FourCC  string // tag written into the container
	Encoder string // encoder name understood by the sink
}

var videoCodecs = []VideoCodec{
	{Ext: ".mp4", FourCC: "mp4v", Encoder: "mpeg4"},
	{Ext: ".avi", FourCC: "MJPG", Encoder: "mjpeg"},
	{Ext: ".mov", FourCC: "mp4v", Encoder: "mpeg4"},
	{Ext: ".mkv", FourCC: "XVID", Encoder: "libxvid"},
}

// SupportedVideoExts lists the accepted video extensions in table order.
func SupportedVideoExts() []string {
	exts := make([]string, len(videoCodecs))
	for i, c := range videoCodecs {
		exts[i] = c.Ext
	}
	return exts
}

// CodecFor selects the codec for an output path by its extension.
func CodecFor(path string) (VideoCodec, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, c := range videoCodecs {
		if c.Ext == ext {
			return c, nil
		}
	}
	return VideoCodec{}, &UnsupportedFormatError{Ext: ext, Supported: SupportedVideoExts()}
}
