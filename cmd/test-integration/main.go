package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"startrails/internal/imaging"
	"startrails/internal/logging"
	"startrails/internal/pipeline"
	"startrails/internal/storage"
	"startrails/internal/trails"
	"startrails/internal/video"
)

const (
	frameCount  = 24
	frameWidth  = 96
	frameHeight = 64
)

func main() {
	fmt.Println("🔍 Testing compositor + ffmpeg + storage integration")

	workDir, err := os.MkdirTemp("", "startrails-integration-")
	if err != nil {
		log.Fatal("Failed to create work dir:", err)
	}
	defer os.RemoveAll(workDir)

	codec := &imaging.StdCodec{Quality: 90}
	if err := writeFrames(codec, filepath.Join(workDir, "frames")); err != nil {
		log.Fatal("Failed to synthesize frames:", err)
	}
	fmt.Printf("✅ Synthesized %d frames in %s\n", frameCount, workDir)

	store, err := storage.New(filepath.Join(workDir, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	logger := logging.New("info", "text")
	compositor := trails.NewCompositor(codec, &video.FFmpegOpener{Log: logger}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pipe := pipeline.New(ctx, logger, store, pipeline.NewRouter(logger, store, compositor, pipeline.RouterConfig{FPS: 12}))
	defer pipe.Stop()

	pattern := filepath.Join(workDir, "frames", "*.png")
	jobs := []pipeline.Job{
		{
			ID:      pipeline.NewJobID(pipeline.JobImage),
			Type:    pipeline.JobImage,
			Pattern: pattern,
			Output:  filepath.Join(workDir, "trail.png"),
			Options: map[string]any{"tempDir": filepath.Join(workDir, "snapshots"), "snapshotExt": ".png"},
		},
		{
			ID:      pipeline.NewJobID(pipeline.JobVideo),
			Type:    pipeline.JobVideo,
			Pattern: pattern,
			Output:  filepath.Join(workDir, "trail.mp4"),
			Options: map[string]any{"frames": 36},
		},
	}

	for _, job := range jobs {
		fmt.Printf("\n🚀 Running %s job %s\n", job.Type, job.ID)
		if err := runJob(ctx, pipe, job); err != nil {
			fmt.Printf("❌ %s job failed: %v\n", job.Type, err)
			continue
		}

		rec, err := store.Run(job.ID)
		if err != nil {
			log.Fatal("Failed to load run record:", err)
		}
		meta, _ := store.RunMeta(job.ID)
		fmt.Printf("📊 Run %s: status=%s\n", rec.ID, rec.Status)
		for _, key := range []string{"used", "skipped", "snapshots", "frames", "blank_frames", "codec", "duration_ms"} {
			if v, ok := meta[key]; ok {
				fmt.Printf("   %s: %v\n", key, v)
			}
		}
		if info, err := os.Stat(job.Output); err == nil {
			fmt.Printf("   output: %s (%d bytes)\n", job.Output, info.Size())
		}
	}

	if img, err := codec.Decode(filepath.Join(workDir, "trail.png")); err == nil {
		fmt.Printf("\n✨ Lit pixels in final composite: %d\n", litPixels(img))
	}
	fmt.Println("🏁 Integration test complete")
}

func runJob(ctx context.Context, pipe *pipeline.Pipeline, job pipeline.Job) error {
	events, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	if err := pipe.Submit(job); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.JobID != job.ID {
				continue
			}
			switch ev.Type {
			case pipeline.EventProgress:
				fmt.Printf("\r   %d/%d", ev.Current, ev.Total)
			case pipeline.EventCompleted:
				fmt.Println()
				return nil
			case pipeline.EventFailed:
				fmt.Println()
				return fmt.Errorf("%s", ev.Error)
			}
		}
	}
}

// writeFrames renders a few stars drifting one pixel per frame over a dark sky.
func writeFrames(codec trails.Encoder, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stars := [][2]int{{10, 8}, {30, 20}, {50, 40}, {70, 12}, {20, 50}}
	for f := 0; f < frameCount; f++ {
		img := trails.NewImage(frameWidth, frameHeight, 3)
		for i := range img.Pix {
			img.Pix[i] = 6
		}
		for _, s := range stars {
			x, y := (s[0]+f)%frameWidth, s[1]
			off := (y*frameWidth + x) * 3
			img.Pix[off], img.Pix[off+1], img.Pix[off+2] = 250, 245, 230
		}
		if err := codec.Encode(filepath.Join(dir, fmt.Sprintf("IMG_%04d.png", f)), img); err != nil {
			return err
		}
	}
	return nil
}

func litPixels(img *trails.Image) int {
	lit := 0
	for p := 0; p+2 < len(img.Pix); p += 3 {
		if img.Pix[p] > 128 {
			lit++
		}
	}
	return lit
}
