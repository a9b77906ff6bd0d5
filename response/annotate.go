package response

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"github.com/Tutortoise/object-detection-service/apperrors"
	"github.com/Tutortoise/object-detection-service/models"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultJPEGQuality = 90
	annotatedSuffix    = ".annotated.jpg"
)

// AnnotatedPath is where the annotated copy of imagePath is written: the same
// directory and stem with the extension replaced.
func AnnotatedPath(imagePath string) string {
	dir, base := filepath.Split(imagePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+annotatedSuffix)
}

type Annotator struct {
	face    font.Face
	quality int
}

func NewAnnotator(quality int) *Annotator {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Annotator{face: basicfont.Face7x13, quality: quality}
}

// Annotate draws the detections onto a copy of src and saves it next to
// imagePath. It returns the written path.
func (a *Annotator) Annotate(src image.Image, imagePath string, dets []models.Detection, labels []string) (string, error) {
	out := AnnotatedPath(imagePath)
	if src == nil {
		return "", apperrors.AnnotationWriteFailure(out, fmt.Errorf("no source image"))
	}

	b := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), src, b.Min, draw.Src)

	index := make(map[string]int, len(labels))
	for i, l := range labels {
		if _, dup := index[l]; !dup {
			index[l] = i
		}
	}

	thickness := max(2, min(b.Dx(), b.Dy())/300)
	for _, d := range dets {
		c := colorFor(d.ClassLabel, index)
		rect := image.Rect(d.BBox.X, d.BBox.Y, d.BBox.X+d.BBox.Width, d.BBox.Y+d.BBox.Height)
		drawRect(canvas, rect, c, thickness)
		a.drawLabel(canvas, rect, fmt.Sprintf("%s %.2f", d.ClassLabel, d.Confidence), c)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", apperrors.AnnotationWriteFailure(out, err)
	}
	if err := imaging.Save(canvas, out, imaging.JPEGQuality(a.quality)); err != nil {
		return "", apperrors.AnnotationWriteFailure(out, err)
	}
	return out, nil
}

func drawRect(dst *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), u, image.Point{}, draw.Src)
	}
}

// drawLabel writes text on a filled tab above the box, or inside it when the
// box touches the top edge.
func (a *Annotator) drawLabel(dst *image.RGBA, box image.Rectangle, text string, bg color.RGBA) {
	metrics := a.face.Metrics()
	textW := font.MeasureString(a.face, text).Ceil() + 4
	textH := (metrics.Ascent + metrics.Descent).Ceil() + 2

	top := box.Min.Y - textH
	if top < 0 {
		top = box.Min.Y
	}
	tab := image.Rect(box.Min.X, top, box.Min.X+textW, top+textH).Intersect(dst.Bounds())
	if tab.Empty() {
		return
	}
	draw.Draw(dst, tab, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(textColor(bg)),
		Face: a.face,
		Dot: fixed.Point26_6{
			X: fixed.I(tab.Min.X + 2),
			Y: fixed.I(tab.Min.Y+1) + metrics.Ascent,
		},
	}
	d.DrawString(text)
}
