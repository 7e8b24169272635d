package annotate

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/inconsolata"
	"golang.org/x/image/math/fixed"

	"github.com/ivlev/sherdmark/internal/system"
)

// DefaultQuality matches the usual JPEG encoder default.
const DefaultQuality = 95

// Style controls how a fragment is marked on the photograph.
type Style struct {
	BoxColor      color.RGBA
	Thickness     int
	LabelColor    color.RGBA
	LabelFace     font.Face
	LabelOffset   int // baseline distance above the box top
	CaptionColor  color.RGBA
	CaptionFace   font.Face
	CaptionOffset int // baseline distance below the box bottom
}

// DefaultStyle draws a red box with a red sequential label above and a green caption below.
func DefaultStyle() Style {
	return Style{
		BoxColor:      color.RGBA{R: 255, A: 255},
		Thickness:     2,
		LabelColor:    color.RGBA{R: 255, A: 255},
		LabelFace:     inconsolata.Bold8x16,
		LabelOffset:   10,
		CaptionColor:  color.RGBA{G: 255, A: 255},
		CaptionFace:   basicfont.Face7x13,
		CaptionOffset: 20,
	}
}

// Canvas is a private RGBA copy of a photograph that can be drawn on.
type Canvas struct {
	img *image.RGBA
}

// NewCanvas copies src into drawing order. Decoded photos arrive as YCbCr,
// paletted or gray images; the copy normalizes them to straight RGBA so the
// drawing primitives see one channel layout, and src itself is never touched.
func NewCanvas(src image.Image) *Canvas {
	b := src.Bounds()
	dst := system.GetCanvas(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return &Canvas{img: dst}
}

// Image exposes the underlying buffer. It is only valid until Release.
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// Bounds returns the canvas bounds.
func (c *Canvas) Bounds() image.Rectangle {
	return c.img.Rect
}

// StrokeRect draws an outline of the given thickness centered on r's edges.
// Parts outside the canvas are clipped.
func (c *Canvas) StrokeRect(r image.Rectangle, col color.RGBA, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	fill := image.NewUniform(col)
	lo := thickness / 2
	hi := thickness - lo

	edges := []image.Rectangle{
		image.Rect(r.Min.X-lo, r.Min.Y-lo, r.Max.X+hi, r.Min.Y+hi), // top
		image.Rect(r.Min.X-lo, r.Max.Y-lo, r.Max.X+hi, r.Max.Y+hi), // bottom
		image.Rect(r.Min.X-lo, r.Min.Y-lo, r.Min.X+hi, r.Max.Y+hi), // left
		image.Rect(r.Max.X-lo, r.Min.Y-lo, r.Max.X+hi, r.Max.Y+hi), // right
	}
	for _, e := range edges {
		draw.Draw(c.img, e.Intersect(c.img.Rect), fill, image.Point{}, draw.Src)
	}
}

// Text draws s with its baseline starting at pt.
func (c *Canvas) Text(s string, pt image.Point, face font.Face, col color.RGBA) {
	d := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(pt.X, pt.Y),
	}
	d.DrawString(s)
}

// Mark draws a fragment box with its label above and its caption below.
func (c *Canvas) Mark(box image.Rectangle, label, caption string, st Style) {
	c.StrokeRect(box, st.BoxColor, st.Thickness)
	c.Text(label, image.Pt(box.Min.X, box.Min.Y-st.LabelOffset), st.LabelFace, st.LabelColor)
	c.Text(caption, image.Pt(box.Min.X, box.Max.Y+st.CaptionOffset), st.CaptionFace, st.CaptionColor)
}

// Encode converts the canvas back to storage form as JPEG bytes.
func (c *Canvas) Encode(quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, c.img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeBase64 returns the JPEG bytes together with their standard base64 text form.
func (c *Canvas) EncodeBase64(quality int) ([]byte, string, error) {
	data, err := c.Encode(quality)
	if err != nil {
		return nil, "", err
	}
	return data, base64.StdEncoding.EncodeToString(data), nil
}

// Release returns the buffer to the shared pool. The canvas must not be used afterwards.
func (c *Canvas) Release() {
	system.PutCanvas(c.img)
	c.img = nil
}
