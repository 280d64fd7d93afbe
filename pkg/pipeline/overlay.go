package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"github.com/MrCodeEU/cortex/pkg/recognition"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	knownColor   = color.RGBA{G: 255, A: 255}
	unknownColor = color.RGBA{R: 255, A: 255}
)

const (
	borderWidth = 2
	labelHeight = 30
)

// Render draws the faces of snap over a copy of frame. The snapshot may
// come from an earlier frame than the one it is drawn on.
func Render(frame image.Image, snap *Snapshot) *image.RGBA {
	b := frame.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, frame, b.Min, draw.Src)

	if snap == nil {
		return dst
	}

	for _, f := range snap.Faces {
		c := knownColor
		if f.Label == recognition.Unknown {
			c = unknownColor
		}
		r := f.Box.Rect().Intersect(b)
		if r.Empty() {
			continue
		}
		outline(dst, r, c)

		label := image.Rect(r.Min.X, r.Max.Y-labelHeight, r.Max.X, r.Max.Y).Intersect(b)
		draw.Draw(dst, label, image.NewUniform(c), image.Point{}, draw.Src)

		text := f.Label
		if f.Label != recognition.Unknown {
			text = fmt.Sprintf("%s %.2f", f.Label, f.Score)
		}
		d := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.White),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(r.Min.X+6, r.Max.Y-6),
		}
		d.DrawString(text)
	}
	return dst
}

func outline(dst *image.RGBA, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+borderWidth),
		image.Rect(r.Min.X, r.Max.Y-borderWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+borderWidth, r.Max.Y),
		image.Rect(r.Max.X-borderWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
