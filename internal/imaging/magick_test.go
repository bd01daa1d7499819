package imaging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMagickCodecPNGRoundTrip(t *testing.T) {
	release := Initialize()
	defer release()

	path := filepath.Join(t.TempDir(), "frame.png")
	codec := &MagickCodec{}
	want := testFrame()

	require.NoError(t, codec.Encode(path, want))
	got, err := codec.Decode(path)
	require.NoError(t, err)
	assert.Equal(t, want.Geometry(), got.Geometry())
	assert.Equal(t, want.Pix, got.Pix)
}

func TestMagickCodecDecodeMissingFile(t *testing.T) {
	release := Initialize()
	defer release()

	_, err := (&MagickCodec{}).Decode(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}

func TestMagickPreprocessorKeepsGeometry(t *testing.T) {
	release := Initialize()
	defer release()

	in := testFrame()
	out, err := NewMagickPreprocessor(DefaultPreprocessOptions()).Process(in)
	require.NoError(t, err)
	assert.Equal(t, in.Geometry(), out.Geometry())
}
