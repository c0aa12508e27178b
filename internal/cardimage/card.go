// Package cardimage draws a PNG share card for the current selection.
package cardimage

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Width and Height are the standard Open Graph image dimensions.
const (
	Width  = 1200
	Height = 630
)

var (
	fontTitle   font.Face
	fontFigure  font.Face
	fontRegular font.Face
	fontOnce    sync.Once
	fontErr     error
)

func newFace(ttf []byte, size float64) (font.Face, error) {
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

func loadFonts() {
	fontOnce.Do(func() {
		if fontTitle, fontErr = newFace(gobold.TTF, 56); fontErr != nil {
			return
		}
		if fontFigure, fontErr = newFace(gobold.TTF, 120); fontErr != nil {
			return
		}
		fontRegular, fontErr = newFace(goregular.TTF, 34)
	})
}

// Data is what the card shows.
type Data struct {
	Province    string
	Week        string
	WeeklyCases int
	TotalCases  int
	// Unavailable replaces the figures with a notice, e.g. "Failed to load data".
	Unavailable string
}

var printer = message.NewPrinter(language.English)

// FormatCount renders n with thousands separators.
func FormatCount(n int) string {
	return printer.Sprintf("%d", n)
}

// Render draws the card and encodes it as PNG.
func Render(d Data) ([]byte, error) {
	loadFonts()
	if fontErr != nil {
		return nil, fmt.Errorf("load fonts: %w", fontErr)
	}

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	drawBackground(img)

	white := color.RGBA{255, 255, 255, 255}
	muted := color.RGBA{190, 196, 210, 255}
	accent := color.RGBA{239, 83, 80, 255}

	title := d.Province
	if title == "" {
		title = "Canada"
	}
	drawText(img, title, 60, 110, white, fontTitle)

	if d.Unavailable != "" {
		drawText(img, d.Unavailable, 60, 330, accent, fontRegular)
	} else {
		drawText(img, "Week of "+d.Week, 60, 170, muted, fontRegular)
		drawText(img, FormatCount(d.WeeklyCases), 60, 340, accent, fontFigure)
		drawText(img, "new cases this week", 60, 395, muted, fontRegular)
		drawText(img, FormatCount(d.TotalCases)+" total cases", 60, 480, white, fontRegular)
	}

	drawText(img, "COVID-19 in Canada", 60, Height-40, muted, fontRegular)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode card: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBackground(img *image.RGBA) {
	for y := 0; y < Height; y++ {
		progress := float64(y) / float64(Height)
		c := color.RGBA{
			R: uint8(22 + progress*10),
			G: uint8(26 + progress*12),
			B: uint8(44 + progress*24),
			A: 255,
		}
		for x := 0; x < Width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color, face font.Face) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
