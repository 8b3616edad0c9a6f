package favicon

import (
	"bytes"
	_ "embed"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"sync"
)

// Size is the edge length of rendered icons.
const Size = 32

//go:embed assets/domo_logo.png
var logoPNG []byte

var bundledLogo = sync.OnceValue(func() image.Image {
	img, err := png.Decode(bytes.NewReader(logoPNG))
	if err != nil {
		panic(fmt.Sprintf("favicon: bundled logo: %v", err))
	}
	return img
})

// decodeIcon decodes PNG, JPEG or GIF data. Anything else (notably ICO)
// falls back to the bundled logo.
func decodeIcon(data []byte) image.Image {
	if len(data) > 0 {
		if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
			return img
		}
	}
	return bundledLogo()
}

// scaleTo draws src into a size x size RGBA canvas with nearest-neighbour
// sampling.
func scaleTo(src image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return dst
	}
	for y := 0; y < size; y++ {
		sy := sb.Min.Y + y*sb.Dy()/size
		for x := 0; x < size; x++ {
			sx := sb.Min.X + x*sb.Dx()/size
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// Render applies a pixel effect to base and returns PNG bytes. The
// instance-logo effect only rescales base; replace and xor-top work on the
// icon's alpha, the band effects paint over it.
func Render(r Rule, base []byte) ([]byte, error) {
	var fill color.NRGBA
	if r.Effect != EffectInstanceLogo {
		c, alpha, err := ParseColor(r.Color)
		if err != nil {
			return nil, err
		}
		cr, cg, cb := c.RGB255()
		fill = color.NRGBA{R: cr, G: cg, B: cb, A: alpha}
	}

	var canvas *image.RGBA
	switch r.Effect {
	case EffectDomoLogoColored:
		canvas = image.NewRGBA(image.Rect(0, 0, Size, Size))
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(fill), image.Point{}, draw.Src)
		draw.Draw(canvas, canvas.Bounds(), scaleTo(bundledLogo(), Size), image.Point{}, draw.Over)
	case EffectBackground:
		canvas = image.NewRGBA(image.Rect(0, 0, Size, Size))
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(fill), image.Point{}, draw.Src)
		draw.Draw(canvas, canvas.Bounds(), scaleTo(decodeIcon(base), Size), image.Point{}, draw.Over)
	case EffectInstanceLogo:
		canvas = scaleTo(decodeIcon(base), Size)
	case EffectReplace:
		canvas = scaleTo(decodeIcon(base), Size)
		recolor(canvas, fill)
	case EffectXorTop:
		canvas = scaleTo(decodeIcon(base), Size)
		xorFill(canvas, image.Rect(0, 0, Size, band), fill)
	default:
		canvas = scaleTo(decodeIcon(base), Size)
		rect, ok := effectRect(r.Effect)
		if !ok {
			return nil, fmt.Errorf("favicon: unknown effect %q", r.Effect)
		}
		for _, rc := range rect {
			draw.Draw(canvas, rc, image.NewUniform(fill), image.Point{}, draw.Over)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("favicon: encode: %w", err)
	}
	return buf.Bytes(), nil
}

const band = Size / 4

func effectRect(e Effect) ([]image.Rectangle, bool) {
	switch e {
	case EffectTop:
		return []image.Rectangle{image.Rect(0, 0, Size, band)}, true
	case EffectBottom:
		return []image.Rectangle{image.Rect(0, Size-band, Size, Size)}, true
	case EffectLeft:
		return []image.Rectangle{image.Rect(0, 0, band, Size)}, true
	case EffectRight:
		return []image.Rectangle{image.Rect(Size-band, 0, Size, Size)}, true
	case EffectCover:
		return []image.Rectangle{image.Rect(0, 0, Size, Size)}, true
	}
	return nil, false
}

// recolor paints every pixel with fill, scaling fill's alpha by the
// pixel's own coverage.
func recolor(img *image.RGBA, fill color.NRGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			a := uint32(img.RGBAAt(x, y).A) * uint32(fill.A) / 0xff
			img.Set(x, y, color.NRGBA{R: fill.R, G: fill.G, B: fill.B, A: uint8(a)})
		}
	}
}

// xorFill composites fill over img inside r with the Porter-Duff XOR
// operator: src*(1-dstA) + dst*(1-srcA), premultiplied.
func xorFill(img *image.RGBA, r image.Rectangle, fill color.NRGBA) {
	src := color.RGBAModel.Convert(fill).(color.RGBA)
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst := img.RGBAAt(x, y)
			outSrc, outDst := 0xff-uint32(dst.A), 0xff-uint32(src.A)
			mix := func(s, d uint8) uint8 {
				return uint8((uint32(s)*outSrc + uint32(d)*outDst) / 0xff)
			}
			img.SetRGBA(x, y, color.RGBA{
				R: mix(src.R, dst.R),
				G: mix(src.G, dst.G),
				B: mix(src.B, dst.B),
				A: mix(src.A, dst.A),
			})
		}
	}
}
