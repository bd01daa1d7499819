package trails

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func names(n int) []string {
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join("in", string(rune('a'+i%26))+string(rune('a'+i/26))+".jpg")
	}
	return paths
}

func TestCompositeImageProducesPerPixelMaximum(t *testing.T) {
	codec := newMemCodec()
	paths := names(4)
	imgs := []*Image{gradient(3, 11), gradient(90, 5), gradient(200, 13), solid(128)}
	for i, p := range paths {
		codec.add(p, imgs[i])
	}
	var want Canvas
	for _, img := range imgs {
		require.NoError(t, want.Fold(img))
	}

	out := filepath.Join(t.TempDir(), "trail.jpg")
	progress := &progressLog{}
	c := NewCompositor(codec, nil, quietLogger())
	res, err := c.CompositeImage(context.Background(), ImageRequest{Images: paths, Output: out, OnProgress: progress.fn()})
	require.NoError(t, err)

	assert.Equal(t, want.Quantize().Pix, codec.encoded[out].Pix)
	assert.Equal(t, 4, res.Used)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, Geometry{Width: 2, Height: 2, Channels: 3}, res.Geometry)
	assert.Equal(t, [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}, progress.calls)
	assert.FileExists(t, out)
}

func TestCompositeImageResolvesPatternInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	codec := newMemCodec()
	for _, name := range []string{"c.jpg", "a.jpg", "b.jpg", "notes.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		codec.add(p, solid(uint8(len(codec.images))))
	}

	out := filepath.Join(dir, "out", "trail.png")
	c := NewCompositor(codec, nil, quietLogger())
	_, err := c.CompositeImage(context.Background(), ImageRequest{Pattern: filepath.Join(dir, "*.jpg"), Output: out})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "a.jpg"),
		filepath.Join(dir, "b.jpg"),
		filepath.Join(dir, "c.jpg"),
	}, codec.decodes)
	assert.FileExists(t, out)
}

func TestCompositeImageEmptyPatternWritesNothing(t *testing.T) {
	dir := t.TempDir()
	codec := newMemCodec()
	c := NewCompositor(codec, nil, quietLogger())

	_, err := c.CompositeImage(context.Background(), ImageRequest{
		Pattern: filepath.Join(dir, "*.jpg"),
		Output:  filepath.Join(dir, "trail.jpg"),
		TempDir: filepath.Join(dir, "snapshots"),
	})
	require.ErrorIs(t, err, ErrNoInputImages)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, codec.decodes)
}

func TestCompositeImageAllDecodeFailures(t *testing.T) {
	dir := t.TempDir()
	codec := newMemCodec()
	paths := names(3)
	for _, p := range paths {
		codec.fail[p] = true
	}
	progress := &progressLog{}
	out := filepath.Join(dir, "trail.jpg")

	c := NewCompositor(codec, nil, quietLogger())
	res, err := c.CompositeImage(context.Background(), ImageRequest{Images: paths, Output: out, OnProgress: progress.fn()})
	require.ErrorIs(t, err, ErrNoValidImages)
	assert.Len(t, res.Skipped, 3)
	assert.NoFileExists(t, out)
	assert.Empty(t, codec.encoded)
	assert.Len(t, progress.calls, 3)
}

func TestCompositeImageSkipsUnreadableImages(t *testing.T) {
	codec := newMemCodec()
	paths := names(4)
	codec.add(paths[0], solid(10))
	codec.fail[paths[1]] = true
	codec.add(paths[2], solid(40))
	codec.add(paths[3], solid(20))

	dir := t.TempDir()
	out := filepath.Join(dir, "trail.jpg")
	progress := &progressLog{}
	c := NewCompositor(codec, nil, quietLogger())
	res, err := c.CompositeImage(context.Background(), ImageRequest{Images: paths, Output: out, OnProgress: progress.fn()})
	require.NoError(t, err)

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 1, res.Skipped[0].Index)
	assert.ErrorIs(t, res.Skipped[0], errCorrupt)
	assert.Equal(t, 3, res.Used)
	assert.Equal(t, solid(40).Pix, codec.encoded[out].Pix)
	assert.Equal(t, [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}, progress.calls)
}

func TestCompositeImageWritesSnapshots(t *testing.T) {
	codec := newMemCodec()
	paths := names(3)
	codec.add(paths[0], solid(10))
	codec.fail[paths[1]] = true
	codec.add(paths[2], solid(30))

	dir := t.TempDir()
	snapDir := filepath.Join(dir, "tmp", "steps")
	c := NewCompositor(codec, nil, quietLogger())
	res, err := c.CompositeImage(context.Background(), ImageRequest{
		Images:      paths,
		Output:      filepath.Join(dir, "trail.jpg"),
		TempDir:     snapDir,
		SnapshotExt: "png",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Snapshots)
	assert.Equal(t, solid(10).Pix, codec.encoded[filepath.Join(snapDir, "0.png")].Pix)
	assert.Equal(t, solid(30).Pix, codec.encoded[filepath.Join(snapDir, "2.png")].Pix)
	assert.NoFileExists(t, filepath.Join(snapDir, "1.png"))
	assert.Same(t, codec.buffers[filepath.Join(snapDir, "0.png")], codec.buffers[filepath.Join(snapDir, "2.png")],
		"snapshots should reuse one quantize buffer")
}

func TestCompositeImageNeverFoldsItsOutput(t *testing.T) {
	dir := t.TempDir()
	codec := newMemCodec()
	for name, v := range map[string]uint8{"a.jpg": 10, "b.jpg": 20, "trail.jpg": 250} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		codec.add(p, solid(v))
	}

	out := filepath.Join(dir, "trail.jpg")
	c := NewCompositor(codec, nil, quietLogger())
	res, err := c.CompositeImage(context.Background(), ImageRequest{
		Pattern: filepath.Join(dir, "*.jpg"),
		Output:  out,
		Exclude: []string{filepath.Join(dir, "b.jpg")},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dir, "a.jpg")}, codec.decodes)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, solid(10).Pix, codec.encoded[out].Pix)

	_, err = c.CompositeImage(context.Background(), ImageRequest{Images: []string{out}, Output: out})
	assert.ErrorIs(t, err, ErrNoInputImages)
}

func TestCompositeImageSkipsBadPreprocessorOutput(t *testing.T) {
	codec := newMemCodec()
	paths := names(3)
	codec.add(paths[0], solid(20))
	codec.add(paths[1], solid(81))
	codec.add(paths[2], solid(40))

	out := filepath.Join(t.TempDir(), "trail.jpg")
	c := NewCompositor(codec, nil, quietLogger())
	res, err := c.CompositeImage(context.Background(), ImageRequest{Images: paths, Output: out, Preprocess: truncatePreprocessor{}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Used)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, paths[1], res.Skipped[0].Path)
	assert.Equal(t, solid(40).Pix, codec.encoded[out].Pix)

	_, err = c.CompositeImage(context.Background(), ImageRequest{Images: paths, Output: out, Preprocess: nilPreprocessor{}})
	assert.ErrorIs(t, err, ErrNoValidImages)
}

func TestCompositeImageAppliesPreprocessor(t *testing.T) {
	codec := newMemCodec()
	paths := names(2)
	codec.add(paths[0], solid(200))
	codec.add(paths[1], solid(250))

	out := filepath.Join(t.TempDir(), "trail.jpg")
	c := NewCompositor(codec, nil, quietLogger())
	_, err := c.CompositeImage(context.Background(), ImageRequest{Images: paths, Output: out, Preprocess: invertPreprocessor{}})
	require.NoError(t, err)
	assert.Equal(t, solid(55).Pix, codec.encoded[out].Pix)
}

func TestCompositeImageFailsOnDimensionMismatch(t *testing.T) {
	codec := newMemCodec()
	paths := names(2)
	codec.add(paths[0], solid(1))
	codec.add(paths[1], NewImage(4, 4, 3))

	out := filepath.Join(t.TempDir(), "trail.jpg")
	c := NewCompositor(codec, nil, quietLogger())
	_, err := c.CompositeImage(context.Background(), ImageRequest{Images: paths, Output: out})

	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, paths[1], dimErr.Path)
	assert.NoFileExists(t, out)
}

func TestCompositeImageStopsWhenCancelled(t *testing.T) {
	codec := newMemCodec()
	paths := names(3)
	for _, p := range paths {
		codec.add(p, solid(1))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCompositor(codec, nil, quietLogger())
	_, err := c.CompositeImage(ctx, ImageRequest{Images: paths, Output: filepath.Join(t.TempDir(), "x.jpg")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, codec.decodes)
}

func TestCompositeVideoOneFramePerImage(t *testing.T) {
	codec := newMemCodec()
	paths := names(5)
	for i, p := range paths {
		codec.add(p, solid(uint8(10*(i+1))))
	}
	opener := &memOpener{}
	progress := &progressLog{}

	c := NewCompositor(codec, opener, quietLogger())
	res, err := c.CompositeVideo(context.Background(), VideoRequest{
		Images:     paths,
		Output:     "trail.MP4",
		FPS:        25,
		OnProgress: progress.fn(),
	})
	require.NoError(t, err)

	assert.Equal(t, "mpeg4", opener.codec.Encoder)
	assert.Equal(t, 25, opener.fps)
	assert.Equal(t, Geometry{Width: 2, Height: 2, Channels: 3}, opener.geom)
	require.Len(t, opener.sink.frames, 5)
	for f, frame := range opener.sink.frames {
		assert.Equal(t, solid(uint8(10*(f+1))).Pix, frame, "frame %d", f)
	}
	assert.True(t, opener.sink.closed)
	assert.Equal(t, 5, res.Frames)
	assert.Equal(t, 0, res.BlankFrames)
	assert.InDelta(t, 0.2, res.Length.Seconds(), 1e-9)
	assert.Equal(t, [][2]int{{1, 5}, {2, 5}, {3, 5}, {4, 5}, {5, 5}}, progress.calls)
	assert.Equal(t, paths, codec.decodes, "first image is decoded once")
}

func TestCompositeVideoBatchesImages(t *testing.T) {
	codec := newMemCodec()
	paths := names(10)
	for i, p := range paths {
		codec.add(p, solid(uint8(i+1)))
	}
	opener := &memOpener{}
	c := NewCompositor(codec, opener, quietLogger())
	res, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "trail.avi", FPS: 30, TotalFrames: 4})
	require.NoError(t, err)

	// schedule 10 -> 4 is [2 4 7 9]
	require.Len(t, opener.sink.frames, 4)
	for f, want := range []uint8{3, 5, 8, 10} {
		assert.Equal(t, solid(want).Pix, opener.sink.frames[f], "frame %d", f)
	}
	assert.Equal(t, "MJPG", res.Codec.FourCC)
	assert.Equal(t, 10, res.Used)
}

func TestCompositeVideoRepeatsFramesAndEmitsBlankLeadIn(t *testing.T) {
	codec := newMemCodec()
	paths := names(3)
	for i, p := range paths {
		codec.add(p, solid(uint8(100+i)))
	}
	opener := &memOpener{}
	progress := &progressLog{}
	c := NewCompositor(codec, opener, quietLogger())
	res, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "trail.mkv", FPS: 7, TotalFrames: 7, OnProgress: progress.fn()})
	require.NoError(t, err)

	// schedule 3 -> 7 is [-1 0 0 1 1 2 2]
	want := []uint8{0, 100, 100, 101, 101, 102, 102}
	require.Len(t, opener.sink.frames, len(want))
	for f, v := range want {
		assert.Equal(t, solid(v).Pix, opener.sink.frames[f], "frame %d", f)
	}
	assert.Equal(t, 1, res.BlankFrames)
	assert.Len(t, progress.calls, 7)
	assert.Equal(t, [2]int{7, 7}, progress.calls[6])
	assert.InDelta(t, 1.0, res.Length.Seconds(), 1e-9)
}

func TestCompositeVideoSkipsUnreadableImages(t *testing.T) {
	codec := newMemCodec()
	paths := names(4)
	codec.add(paths[0], solid(5))
	codec.fail[paths[1]] = true
	codec.add(paths[2], solid(9))
	codec.fail[paths[3]] = true

	opener := &memOpener{}
	c := NewCompositor(codec, opener, quietLogger())
	res, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "trail.mov", FPS: 10})
	require.NoError(t, err)

	require.Len(t, opener.sink.frames, 4)
	for f, v := range []uint8{5, 5, 9, 9} {
		assert.Equal(t, solid(v).Pix, opener.sink.frames[f], "frame %d", f)
	}
	assert.Len(t, res.Skipped, 2)
	assert.Equal(t, 2, res.Used)
}

func TestCompositeVideoRejectsUnsupportedFormatBeforeDecoding(t *testing.T) {
	codec := newMemCodec()
	paths := names(2)
	for _, p := range paths {
		codec.add(p, solid(1))
	}
	opener := &memOpener{}
	c := NewCompositor(codec, opener, quietLogger())
	_, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "trail.gif", FPS: 30})

	var fmtErr *UnsupportedFormatError
	require.ErrorAs(t, err, &fmtErr)
	assert.Equal(t, ".gif", fmtErr.Ext)
	assert.Equal(t, []string{".mp4", ".avi", ".mov", ".mkv"}, fmtErr.Supported)
	assert.Contains(t, err.Error(), ".mp4, .avi, .mov, .mkv")
	assert.Empty(t, codec.decodes)
	assert.False(t, opener.opened)
}

func TestCompositeVideoFirstImageDecodeIsFatal(t *testing.T) {
	codec := newMemCodec()
	paths := names(3)
	codec.fail[paths[0]] = true
	codec.add(paths[1], solid(1))
	codec.add(paths[2], solid(2))

	opener := &memOpener{}
	c := NewCompositor(codec, opener, quietLogger())
	_, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "trail.mp4", FPS: 30})

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, 0, decErr.Index)
	assert.False(t, opener.opened)
}

func TestCompositeVideoSinkOpenFailure(t *testing.T) {
	codec := newMemCodec()
	paths := names(2)
	for _, p := range paths {
		codec.add(p, solid(1))
	}
	opener := &memOpener{err: errors.New("permission denied")}
	opener.decodes = func() int { return len(codec.decodes) }

	c := NewCompositor(codec, opener, quietLogger())
	_, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "/nope/trail.mp4", FPS: 30})

	var openErr *SinkOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "/nope/trail.mp4", openErr.Path)
	assert.Equal(t, 1, opener.decodesAtOpen)
}

func TestCompositeVideoClosesSinkOnWriteFailure(t *testing.T) {
	codec := newMemCodec()
	paths := names(3)
	for _, p := range paths {
		codec.add(p, solid(1))
	}
	opener := &memOpener{sink: &memSink{failAt: 2}}
	c := NewCompositor(codec, opener, quietLogger())
	_, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "trail.mp4", FPS: 30})
	require.Error(t, err)
	assert.True(t, opener.sink.closed)
	assert.Len(t, opener.sink.frames, 1)
}

func TestCompositeVideoFailsWhenPreprocessorChangesGeometry(t *testing.T) {
	codec := newMemCodec()
	paths := names(2)
	for _, p := range paths {
		codec.add(p, solid(1))
	}
	opener := &memOpener{}
	c := NewCompositor(codec, opener, quietLogger())
	_, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "trail.mp4", FPS: 30, Preprocess: shrinkPreprocessor{}})

	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.True(t, opener.sink.closed)
}

func TestCompositeVideoValidatesRequest(t *testing.T) {
	codec := newMemCodec()
	paths := names(1)
	codec.add(paths[0], solid(1))
	c := NewCompositor(codec, &memOpener{}, quietLogger())

	_, err := c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "a.mp4", FPS: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.CompositeVideo(context.Background(), VideoRequest{Images: paths, Output: "a.mp4", FPS: 30, TotalFrames: -2})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.CompositeVideo(context.Background(), VideoRequest{Pattern: filepath.Join(t.TempDir(), "*.jpg"), Output: "a.mp4", FPS: 30})
	assert.ErrorIs(t, err, ErrNoInputImages)
}
