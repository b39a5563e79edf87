// Package plot renders the small summary charts attached to
// interpretation runs as PNG artifacts. It draws directly with the image
// package; the charts are deliberately simple (horizontal bars and strip
// dots) since they exist for quick visual inspection, not publication.
package plot

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
)

const (
	chartWidth  = 800
	rowHeight   = 26
	topMargin   = 20
	leftMargin  = 220
	rightMargin = 30
)

var (
	background = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	barColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	dotColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	axisColor  = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	labelColor = color.RGBA{R: 40, G: 40, B: 40, A: 255}
)

// Series is one labeled magnitude, already sorted by the caller.
type Series struct {
	Label string
	Value float64
}

// RenderBars draws one horizontal bar per entry, scaled to the largest
// magnitude, and returns the encoded PNG.
func RenderBars(entries []Series) ([]byte, error) {
	return render(entries, drawBar)
}

// RenderDots draws a dot strip per entry at the scaled position.
func RenderDots(entries []Series) ([]byte, error) {
	return render(entries, drawDot)
}

func render(entries []Series, mark func(img *image.RGBA, y0, y1, x int)) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries to plot")
	}
	height := topMargin*2 + rowHeight*len(entries)
	img := image.NewRGBA(image.Rect(0, 0, chartWidth, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	maxVal := 0.0
	for _, e := range entries {
		if v := math.Abs(e.Value); v > maxVal {
			maxVal = v
		}
	}
	if maxVal == 0 {
		maxVal = 1
	}
	span := chartWidth - leftMargin - rightMargin

	// axis
	for y := topMargin; y < height-topMargin; y++ {
		img.SetRGBA(leftMargin, y, axisColor)
	}

	for i, e := range entries {
		y0 := topMargin + i*rowHeight + 4
		y1 := y0 + rowHeight - 8
		x := leftMargin + int(math.Abs(e.Value)/maxVal*float64(span))
		mark(img, y0, y1, x)
		drawLabel(img, e.Label, 8, y0+(y1-y0)/2)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBar(img *image.RGBA, y0, y1, x int) {
	for yy := y0; yy <= y1; yy++ {
		for xx := leftMargin + 1; xx <= x; xx++ {
			img.SetRGBA(xx, yy, barColor)
		}
	}
}

func drawDot(img *image.RGBA, y0, y1, x int) {
	cy := y0 + (y1-y0)/2
	r := 4
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x+dx, cy+dy, dotColor)
			}
		}
	}
}

// drawLabel renders the label with a 5x7 bitmap font subset. Characters
// outside the subset degrade to a small box, which keeps feature names
// legible enough without a font dependency.
func drawLabel(img *image.RGBA, text string, x, centerY int) {
	const maxChars = 34
	if len(text) > maxChars {
		text = text[:maxChars-1] + "…"
	}
	y := centerY - 3
	for i, ch := range text {
		glyph, ok := font5x7[ch]
		cx := x + i*6
		if !ok {
			for yy := 0; yy < 7; yy++ {
				img.SetRGBA(cx, y+yy, labelColor)
				img.SetRGBA(cx+4, y+yy, labelColor)
			}
			continue
		}
		for row, bits := range glyph {
			for col := 0; col < 5; col++ {
				if bits&(1<<(4-col)) != 0 {
					img.SetRGBA(cx+col, y+row, labelColor)
				}
			}
		}
	}
}

// font5x7 covers lowercase letters, digits and the separators feature
// names use.
var font5x7 = map[rune][7]uint8{
	'a': {0x00, 0x0E, 0x01, 0x0F, 0x11, 0x0F, 0x00},
	'b': {0x10, 0x10, 0x1E, 0x11, 0x11, 0x1E, 0x00},
	'c': {0x00, 0x0E, 0x10, 0x10, 0x11, 0x0E, 0x00},
	'd': {0x01, 0x01, 0x0F, 0x11, 0x11, 0x0F, 0x00},
	'e': {0x00, 0x0E, 0x11, 0x1F, 0x10, 0x0E, 0x00},
	'f': {0x06, 0x08, 0x1C, 0x08, 0x08, 0x08, 0x00},
	'g': {0x00, 0x0F, 0x11, 0x0F, 0x01, 0x0E, 0x00},
	'h': {0x10, 0x10, 0x1E, 0x11, 0x11, 0x11, 0x00},
	'i': {0x04, 0x00, 0x0C, 0x04, 0x04, 0x0E, 0x00},
	'j': {0x02, 0x00, 0x06, 0x02, 0x12, 0x0C, 0x00},
	'k': {0x10, 0x12, 0x14, 0x18, 0x14, 0x12, 0x00},
	'l': {0x0C, 0x04, 0x04, 0x04, 0x04, 0x0E, 0x00},
	'm': {0x00, 0x1A, 0x15, 0x15, 0x15, 0x15, 0x00},
	'n': {0x00, 0x1E, 0x11, 0x11, 0x11, 0x11, 0x00},
	'o': {0x00, 0x0E, 0x11, 0x11, 0x11, 0x0E, 0x00},
	'p': {0x00, 0x1E, 0x11, 0x1E, 0x10, 0x10, 0x00},
	'q': {0x00, 0x0F, 0x11, 0x0F, 0x01, 0x01, 0x00},
	'r': {0x00, 0x16, 0x18, 0x10, 0x10, 0x10, 0x00},
	's': {0x00, 0x0F, 0x10, 0x0E, 0x01, 0x1E, 0x00},
	't': {0x08, 0x1C, 0x08, 0x08, 0x09, 0x06, 0x00},
	'u': {0x00, 0x11, 0x11, 0x11, 0x13, 0x0D, 0x00},
	'v': {0x00, 0x11, 0x11, 0x11, 0x0A, 0x04, 0x00},
	'w': {0x00, 0x15, 0x15, 0x15, 0x15, 0x0A, 0x00},
	'x': {0x00, 0x11, 0x0A, 0x04, 0x0A, 0x11, 0x00},
	'y': {0x00, 0x11, 0x11, 0x0F, 0x01, 0x0E, 0x00},
	'z': {0x00, 0x1F, 0x02, 0x04, 0x08, 0x1F, 0x00},
	'0': {0x0E, 0x11, 0x13, 0x15, 0x19, 0x0E, 0x00},
	'1': {0x04, 0x0C, 0x04, 0x04, 0x04, 0x0E, 0x00},
	'2': {0x0E, 0x11, 0x02, 0x04, 0x08, 0x1F, 0x00},
	'3': {0x1E, 0x01, 0x06, 0x01, 0x11, 0x0E, 0x00},
	'4': {0x02, 0x06, 0x0A, 0x12, 0x1F, 0x02, 0x00},
	'5': {0x1F, 0x10, 0x1E, 0x01, 0x11, 0x0E, 0x00},
	'6': {0x06, 0x08, 0x1E, 0x11, 0x11, 0x0E, 0x00},
	'7': {0x1F, 0x01, 0x02, 0x04, 0x08, 0x08, 0x00},
	'8': {0x0E, 0x11, 0x0E, 0x11, 0x11, 0x0E, 0x00},
	'9': {0x0E, 0x11, 0x11, 0x0F, 0x02, 0x0C, 0x00},
	'_': {0x00, 0x00, 0x00, 0x00, 0x00, 0x1F, 0x00},
	'-': {0x00, 0x00, 0x00, 0x0E, 0x00, 0x00, 0x00},
	'.': {0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00},
	' ': {0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
}
