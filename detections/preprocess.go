package detections

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// letterbox records how a source image was fitted into the square input, so
// boxes can be mapped back.
type letterbox struct {
	scale      float32
	padX, padY float32
	srcW, srcH int
}

func (lb letterbox) toSource(x, y float32) (float32, float32) {
	sx := (x - lb.padX) / lb.scale
	sy := (y - lb.padY) / lb.scale
	return clampF32(sx, 0, float32(lb.srcW)), clampF32(sy, 0, float32(lb.srcH))
}

// letterboxImage resizes img to fit a size x size canvas keeping its aspect
// ratio and centres it on a grey background.
func letterboxImage(img image.Image, size int) (*image.NRGBA, letterbox) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scale := math.Min(float64(size)/float64(w), float64(size)/float64(h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))

	resized := imaging.Resize(img, nw, nh, imaging.Linear)
	canvas := imaging.New(size, size, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})

	padX := (size - nw) / 2
	padY := (size - nh) / 2
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return canvas, letterbox{
		scale: float32(scale),
		padX:  float32(padX),
		padY:  float32(padY),
		srcW:  w,
		srcH:  h,
	}
}

// preprocessor fills a CHW float32 tensor from an NRGBA canvas, splitting
// rows across workers.
type preprocessor struct {
	size       int
	numWorkers int
}

func newPreprocessor(size int) *preprocessor {
	return &preprocessor{
		size:       size,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

func (p *preprocessor) Process(img image.Image, dst []float32) (letterbox, error) {
	if want := 3 * p.size * p.size; len(dst) != want {
		return letterbox{}, fmt.Errorf("input tensor has %d values, want %d", len(dst), want)
	}
	canvas, lb := letterboxImage(img, p.size)
	p.processParallel(canvas, dst)
	return lb, nil
}

func (p *preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := p.size * p.size
	workers := min(p.numWorkers, p.size)
	rowsPerWorker := p.size / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				row := img.Pix[y*img.Stride:]
				offset := y * p.size
				for x := 0; x < p.size; x++ {
					i := offset + x
					px := row[x*4 : x*4+3 : x*4+3]
					buffer[i] = float32(px[0]) / 255.0
					buffer[channelSize+i] = float32(px[1]) / 255.0
					buffer[channelSize*2+i] = float32(px[2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

func clampF32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
