package detections

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
)

// Orientation is the EXIF orientation tag of a captured image.
type Orientation int

const (
	OrientationUp            Orientation = 1
	OrientationUpMirrored    Orientation = 2
	OrientationDown          Orientation = 3
	OrientationDownMirrored  Orientation = 4
	OrientationLeftMirrored  Orientation = 5
	OrientationRight         Orientation = 6
	OrientationRightMirrored Orientation = 7
	OrientationLeft          Orientation = 8
)

// transposed reports whether the orientation swaps width and height.
func (o Orientation) transposed() bool {
	return o >= OrientationLeftMirrored && o <= OrientationLeft
}

// PixelImage is a decoded image plus the orientation it was captured in.
// It is never mutated after construction.
type PixelImage struct {
	img         image.Image
	orientation Orientation
}

func NewPixelImage(img image.Image, orientation Orientation) *PixelImage {
	if orientation < OrientationUp || orientation > OrientationLeft {
		orientation = OrientationUp
	}
	return &PixelImage{img: img, orientation: orientation}
}

// DecodePixelImage decodes a JPEG/PNG/GIF/BMP/TIFF stream and applies any
// EXIF orientation, so the result is always upright.
func DecodePixelImage(r io.Reader) (*PixelImage, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, newError(ErrInvalidImage, "decode", err)
	}
	return NewPixelImage(img, OrientationUp), nil
}

func DecodePixelImageBytes(data []byte) (*PixelImage, error) {
	if len(data) == 0 {
		return nil, newError(ErrInvalidImage, "decode", fmt.Errorf("empty buffer"))
	}
	return DecodePixelImage(bytes.NewReader(data))
}

func (p *PixelImage) Orientation() Orientation { return p.orientation }

// Raw returns the image as stored, without orientation applied.
func (p *PixelImage) Raw() image.Image { return p.img }

// Width is the upright width.
func (p *PixelImage) Width() int {
	w, _ := p.Size()
	return w
}

// Height is the upright height.
func (p *PixelImage) Height() int {
	_, h := p.Size()
	return h
}

func (p *PixelImage) Size() (int, int) {
	if p == nil || p.img == nil {
		return 0, 0
	}
	b := p.img.Bounds()
	if p.orientation.transposed() {
		return b.Dy(), b.Dx()
	}
	return b.Dx(), b.Dy()
}

// Upright returns the image rotated and flipped into display orientation.
func (p *PixelImage) Upright() image.Image {
	switch p.orientation {
	case OrientationUpMirrored:
		return imaging.FlipH(p.img)
	case OrientationDown:
		return imaging.Rotate180(p.img)
	case OrientationDownMirrored:
		return imaging.FlipV(p.img)
	case OrientationLeftMirrored:
		return imaging.Transpose(p.img)
	case OrientationRight:
		return imaging.Rotate270(p.img)
	case OrientationRightMirrored:
		return imaging.Transverse(p.img)
	case OrientationLeft:
		return imaging.Rotate90(p.img)
	}
	return p.img
}
