package pipeline

import "github.com/pkg/errors"

// ErrBadRotation is returned for rotations that are not a multiple of 90
// degrees in [0, 360).
var ErrBadRotation = errors.New("rotation must be 0, 90, 180 or 270")

// Geometry describes a captured I420 frame.
type Geometry struct {
	Width    int
	Height   int
	Rotation int
}

// Output returns the frame size after rotation.
func (g Geometry) Output() (width, height int) {
	if g.Rotation == 90 || g.Rotation == 270 {
		return g.Height, g.Width
	}
	return g.Width, g.Height
}

// PlaneSizes returns the luma and per-plane chroma sizes in bytes.
func (g Geometry) PlaneSizes() (y, uv int) {
	y = g.Width * g.Height
	return y, y / 4
}

// FrameSize is the size of one packed three plane frame.
func (g Geometry) FrameSize() int {
	y, uv := g.PlaneSizes()
	return y + 2*uv
}

// ErrOddSize is returned for frames whose width or height is odd. Chroma
// planes of such frames do not cover w*h/4 bytes.
var ErrOddSize = errors.New("frame width and height must be even")

func (g Geometry) check() error {
	if !ValidRotation(g.Rotation) {
		return errors.Wrapf(ErrBadRotation, "got %d", g.Rotation)
	}
	if g.Width <= 0 || g.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", g.Width, g.Height)
	}
	if g.Width%2 != 0 || g.Height%2 != 0 {
		return errors.Wrapf(ErrOddSize, "got %dx%d", g.Width, g.Height)
	}
	return nil
}

// ValidRotation reports whether degrees can be handled by Rotate.
func ValidRotation(degrees int) bool {
	switch degrees {
	case 0, 90, 180, 270:
		return true
	}
	return false
}

// Rotate rotates the I420 image in src clockwise by degrees into dst. Both
// buffers must hold at least one full frame and both dimensions must be
// even. It returns the size of the
// rotated image.
func Rotate(dst, src []byte, width, height, degrees int) (int, int, error) {
	g := Geometry{Width: width, Height: height, Rotation: degrees}
	if err := g.check(); err != nil {
		return 0, 0, err
	}
	if len(src) < g.FrameSize() || len(dst) < g.FrameSize() {
		return 0, 0, errors.Errorf("buffer too small for %dx%d frame", width, height)
	}

	y, uv := g.PlaneSizes()
	rotateI420(g,
		src[:y], src[y:y+uv], src[y+uv:y+2*uv],
		dst[:y], dst[y:y+uv], dst[y+uv:y+2*uv])
	ow, oh := g.Output()
	return ow, oh, nil
}

// rotateI420 rotates the three planes of a frame independently. Callers may
// pass the destination chroma planes in any order.
func rotateI420(g Geometry, srcY, srcU, srcV, dstY, dstU, dstV []byte) {
	rotatePlane(dstY, srcY, g.Width, g.Height, g.Rotation)
	rotatePlane(dstU, srcU, g.Width/2, g.Height/2, g.Rotation)
	rotatePlane(dstV, srcV, g.Width/2, g.Height/2, g.Rotation)
}

func rotatePlane(dst, src []byte, w, h, degrees int) {
	switch degrees {
	case 90:
		for y := 0; y < h; y++ {
			row := src[y*w : y*w+w]
			for x, px := range row {
				dst[x*h+(h-1-y)] = px
			}
		}
	case 180:
		n := w * h
		for i := 0; i < n; i++ {
			dst[n-1-i] = src[i]
		}
	case 270:
		for y := 0; y < h; y++ {
			row := src[y*w : y*w+w]
			for x, px := range row {
				dst[(w-1-x)*h+y] = px
			}
		}
	default:
		copy(dst[:w*h], src[:w*h])
	}
}
