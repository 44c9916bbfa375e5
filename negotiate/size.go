// Package negotiate picks capture sizes and builds capture parameter strings.
package negotiate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoSupportedSize is returned when a capability list has no usable size.
var ErrNoSupportedSize = errors.New("no supported preview size")

// Size is a frame resolution in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ParseSize parses a single "WxH" entry.
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.TrimSpace(s), "x")
	if !ok {
		return Size{}, errors.Errorf("invalid size %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Size{}, errors.Wrapf(err, "invalid width in %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Size{}, errors.Wrapf(err, "invalid height in %q", s)
	}
	if width <= 0 || height <= 0 {
		return Size{}, errors.Errorf("invalid size %q", s)
	}
	return Size{Width: width, Height: height}, nil
}

// ParseSizes parses a comma separated capability list such as
// "1280x720,640x480". Malformed entries are skipped.
func ParseSizes(list string) ([]Size, error) {
	var sizes []Size
	for _, entry := range strings.Split(list, ",") {
		size, err := ParseSize(entry)
		if err != nil {
			continue
		}
		sizes = append(sizes, size)
	}
	if len(sizes) == 0 {
		return nil, errors.Wrapf(ErrNoSupportedSize, "capability list %q", list)
	}
	return sizes, nil
}

// SelectPreviewSize returns the exact match for desired if present, otherwise
// the size with the smallest Manhattan distance to it. The first candidate
// wins ties.
func SelectPreviewSize(sizes []Size, desired Size) (Size, error) {
	if len(sizes) == 0 {
		return Size{}, ErrNoSupportedSize
	}

	best := sizes[0]
	bestDiff := distance(best, desired)
	for _, s := range sizes {
		if s == desired {
			return s, nil
		}
		if d := distance(s, desired); d < bestDiff {
			best, bestDiff = s, d
		}
	}
	return best, nil
}

func distance(a, b Size) int {
	return abs(a.Width-b.Width) + abs(a.Height-b.Height)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
