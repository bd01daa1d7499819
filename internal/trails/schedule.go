package trails

import (
	"fmt"
	"strings"
)

// Schedule maps each output video frame to the last input image index (inclusive) that
// must be folded before the frame is written. An entry of -1 means no image is due yet.
type Schedule []int

// NewSchedule spreads numImages over totalFrames frames. Entry f is
// round((f+1)/totalFrames*numImages)-1, rounding halves up, so 100 images over 200 frames
// yields two frames per image and 500 images over 100 frames yields batches of five.
func NewSchedule(numImages, totalFrames int) (Schedule, error) {
	if numImages <= 0 {
		return nil, ErrNoInputImages
	}
	if totalFrames <= 0 {
		return nil, fmt.Errorf("%w: total frames must be positive, got %d", ErrInvalidRequest, totalFrames)
	}
	s := make(Schedule, totalFrames)
	n, t := int64(numImages), int64(totalFrames)
	for f := int64(0); f < t; f++ {
		// floor((2*(f+1)*n + t) / 2t) == round-half-up((f+1)*n / t)
		s[f] = int((2*(f+1)*n+t)/(2*t)) - 1
	}
	return s, nil
}

// Images returns how many input images the schedule consumes.
func (s Schedule) Images() int {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1] + 1
}

// NewlyDue returns how many images become due at frame f.
func (s Schedule) NewlyDue(f int) int {
	if f == 0 {
		return s[0] + 1
	}
	return s[f] - s[f-1]
}

// String renders one "frame f -> image i" line per entry.
func (s Schedule) String() string {
	var b strings.Builder
	for f, target := range s {
		fmt.Fprintf(&b, "frame %d -> image %d (+%d)\n", f, target, s.NewlyDue(f))
	}
	return b.String()
}
