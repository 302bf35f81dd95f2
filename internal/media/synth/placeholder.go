package synth

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"avs/internal/pkg/errors"
)

// Placeholder describes a fallback scene image.
type Placeholder struct {
	Width, Height int
	// Index is the zero-based scene index. The image shows Index+1.
	Index       int
	Title       string
	Description string
}

// palette of muted backgrounds, picked by scene index.
var palette = []color.RGBA{
	{R: 0x1f, G: 0x2a, B: 0x44, A: 0xff},
	{R: 0x2d, G: 0x3a, B: 0x2e, A: 0xff},
	{R: 0x44, G: 0x2a, B: 0x2a, A: 0xff},
	{R: 0x33, G: 0x2d, B: 0x44, A: 0xff},
	{R: 0x2a, G: 0x3d, B: 0x44, A: 0xff},
}

const (
	// The text is drawn on a small canvas with the 7x13 bitmap face, then
	// scaled up so it stays readable at video resolution.
	textScale   = 4
	lineHeight  = 15
	marginCells = 2
)

// RenderPlaceholder draws the placeholder image.
func RenderPlaceholder(p Placeholder) (*image.RGBA, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, errors.Validationf("placeholder size must be positive, got %dx%d", p.Width, p.Height)
	}

	bg := palette[p.Index%len(palette)]
	dst := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	sw, sh := max(p.Width/textScale, 1), max(p.Height/textScale, 1)
	small := image.NewRGBA(image.Rect(0, 0, sw, sh))
	draw.Draw(small, small.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	maxChars := max((sw-2*marginCells*face.Width)/face.Width, 1)

	lines := []string{fmt.Sprintf("Scene %d", p.Index+1)}
	if t := strings.TrimSpace(p.Title); t != "" {
		lines = append(lines, wrap(t, maxChars)...)
	}
	lines = append(lines, "")
	lines = append(lines, wrap(strings.TrimSpace(p.Description), maxChars)...)

	maxLines := max((sh-2*marginCells*lineHeight)/lineHeight, 1)
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}

	top := (sh - len(lines)*lineHeight) / 2
	d := &font.Drawer{Dst: small, Src: image.White, Face: face}
	for i, line := range lines {
		w := d.MeasureString(line).Round()
		d.Dot = fixed.P((sw-w)/2, top+(i+1)*lineHeight-2)
		d.DrawString(line)
	}

	draw.NearestNeighbor.Scale(dst, dst.Bounds(), small, small.Bounds(), draw.Src, nil)
	return dst, nil
}

// WritePlaceholderPNG renders p and writes it to path as PNG.
func WritePlaceholderPNG(path string, p Placeholder) error {
	img, err := RenderPlaceholder(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "synth.placeholder", "failed to create output directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "synth.placeholder", "failed to create placeholder file")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrap(err, "synth.placeholder", "failed to encode png")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "synth.placeholder", "failed to close placeholder file")
	}
	return nil
}

// wrap breaks s into lines of at most width characters on word boundaries.
func wrap(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var (
		out []string
		cur strings.Builder
	)
	for _, w := range words {
		for len(w) > width {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, w[:width])
			w = w[width:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > width {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
