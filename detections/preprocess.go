package detections

import (
	"fmt"
	"image"
	"runtime"
	"sync"
)

// Layout is the memory order of a model input tensor.
type Layout int

const (
	// LayoutNCHW stores each colour plane contiguously ([1,3,H,W]).
	LayoutNCHW Layout = iota
	// LayoutNHWC interleaves the channels per pixel ([1,H,W,3]).
	LayoutNHWC
)

// Preprocessor converts a square model input image into normalized float32
// RGB values, splitting rows across workers.
type Preprocessor struct {
	size       int
	layout     Layout
	numWorkers int
}

func NewPreprocessor(size int, layout Layout) *Preprocessor {
	return &Preprocessor{
		size:       size,
		layout:     layout,
		numWorkers: max(1, min(runtime.GOMAXPROCS(0), size)),
	}
}

func (p *Preprocessor) Size() int { return p.size }

// BufferLen is the number of floats Fill writes.
func (p *Preprocessor) BufferLen() int { return p.size * p.size * 3 }

// Fill writes img into dst with values scaled to [0,1].
func (p *Preprocessor) Fill(img image.Image, dst []float32) error {
	b := img.Bounds()
	if b.Dx() != p.size || b.Dy() != p.size {
		return fmt.Errorf("preprocess: image is %dx%d, want %dx%d", b.Dx(), b.Dy(), p.size, p.size)
	}
	if len(dst) < p.BufferLen() {
		return fmt.Errorf("preprocess: buffer holds %d values, want %d", len(dst), p.BufferLen())
	}

	rowsPerWorker := (p.size + p.numWorkers - 1) / p.numWorkers

	var wg sync.WaitGroup
	for start := 0; start < p.size; start += rowsPerWorker {
		end := min(start+rowsPerWorker, p.size)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			p.fillRows(img, dst, start, end)
		}(start, end)
	}
	wg.Wait()
	return nil
}

func (p *Preprocessor) fillRows(img image.Image, dst []float32, start, end int) {
	planeSize := p.size * p.size
	b := img.Bounds()

	put := func(i int, r, g, bl float32) {
		if p.layout == LayoutNHWC {
			dst[i*3] = r
			dst[i*3+1] = g
			dst[i*3+2] = bl
			return
		}
		dst[i] = r
		dst[planeSize+i] = g
		dst[planeSize*2+i] = bl
	}

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := start; y < end; y++ {
			off := nrgba.PixOffset(b.Min.X, b.Min.Y+y)
			row := nrgba.Pix[off : off+p.size*4]
			for x := 0; x < p.size; x++ {
				put(y*p.size+x,
					float32(row[x*4])/255.0,
					float32(row[x*4+1])/255.0,
					float32(row[x*4+2])/255.0)
			}
		}
		return
	}

	for y := start; y < end; y++ {
		for x := 0; x < p.size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			put(y*p.size+x,
				float32(r>>8)/255.0,
				float32(g>>8)/255.0,
				float32(bl>>8)/255.0)
		}
	}
}
