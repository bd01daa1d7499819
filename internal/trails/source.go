package trails

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

// Resolve expands a glob pattern (*, ?, [classes]) into a lexicographically sorted list
// of paths. The order fixes the accumulation order of a run.
func Resolve(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("expand pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInputImages, pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

// source decodes and preprocesses images of one run.
type source struct {
	paths      []string
	decoder    Decoder
	preprocess Preprocessor
}

// load decodes image i and applies the preprocessor. Any failure is a *DecodeError so
// callers can apply the skip policy uniformly.
func (s *source) load(i int) (*Image, error) {
	img, err := s.decoder.Decode(s.paths[i])
	if err != nil {
		return nil, &DecodeError{Index: i, Path: s.paths[i], Err: err}
	}
	return s.prepare(i, img)
}

func (s *source) prepare(i int, img *Image) (*Image, error) {
	if err := img.Validate(); err != nil {
		return nil, &DecodeError{Index: i, Path: s.paths[i], Err: err}
	}
	if s.preprocess == nil {
		return img, nil
	}
	out, err := s.preprocess.Process(img)
	if err == nil && out == nil {
		err = errors.New("no image returned")
	}
	if err == nil {
		err = out.Validate()
	}
	if err != nil {
		return nil, &DecodeError{Index: i, Path: s.paths[i], Err: fmt.Errorf("preprocess: %w", err)}
	}
	return out, nil
}

// excludePaths drops every path naming the same file as one of skip.
func excludePaths(paths, skip []string) []string {
	if len(skip) == 0 {
		return paths
	}
	drop := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		if p != "" {
			drop[absPath(p)] = struct{}{}
		}
	}
	out := paths[:0:0]
	for _, p := range paths {
		if _, ok := drop[absPath(p)]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
