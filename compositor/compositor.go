// Package compositor flattens a rendered PDF page and its annotation overlay
// into one exportable raster image, and derives the review thumbnail.
package compositor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/drummonds/goPageSnap/annotate"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// Options controls output encoding.
type Options struct {
	Format     string  // "png" (lossless) or "jpeg"
	Quality    float64 // jpeg quality, 0.60 - 0.95
	ThumbMaxPx int     // longer edge of the derived thumbnail
}

// Result is one finished capture.
type Result struct {
	Image     []byte
	Thumbnail []byte
	Format    string
}

var highlightYellow = color.NRGBA{R: 255, G: 235, B: 59, A: 255}

// Rotate applies a clockwise page rotation to a rendered page surface.
// degrees must be 0, 90, 180 or 270.
func Rotate(img image.Image, degrees int) image.Image {
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		return imaging.Rotate270(img) // imaging rotates counter-clockwise
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Capture draws the annotation list onto a transparent overlay in list order,
// flattens the base render plus overlay into one image, encodes it, and
// derives a thumbnail. Any failing step aborts the whole capture; no partial
// result is returned.
func Capture(base image.Image, annots []annotate.Annotation, opts Options) (Result, error) {
	flat, err := Compose(base, annots)
	if err != nil {
		return Result{}, err
	}

	encoded, format, err := encode(flat, opts)
	if err != nil {
		return Result{}, err
	}

	thumb, err := thumbnail(encoded, opts.ThumbMaxPx)
	if err != nil {
		return Result{}, err
	}

	return Result{Image: encoded, Thumbnail: thumb, Format: format}, nil
}

// Compose renders the overlay and flattens it over the base surface.
// Annotations paint in insertion order: later entries draw over earlier ones
// wherever they overlap.
func Compose(base image.Image, annots []annotate.Annotation) (*image.RGBA, error) {
	bounds := image.Rect(0, 0, base.Bounds().Dx(), base.Bounds().Dy())
	overlay := image.NewRGBA(bounds)

	for i, a := range annots {
		if err := drawAnnotation(overlay, a); err != nil {
			return nil, fmt.Errorf("annotation %d (%T): %w", i, a, err)
		}
	}

	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, base, base.Bounds().Min, draw.Src)
	draw.Draw(out, bounds, overlay, image.Point{}, draw.Over)
	return out, nil
}

// drawAnnotation matches exhaustively over the closed annotation set.
func drawAnnotation(dst *image.RGBA, a annotate.Annotation) error {
	switch v := a.(type) {
	case annotate.Highlight:
		opacity := v.Opacity
		if opacity <= 0 {
			opacity = annotate.DefaultHighlightOpacity
		}
		c := highlightYellow
		c.A = uint8(math.Round(opacity * 255))
		fillRect(dst, rectOf(v.X, v.Y, v.Width, v.Height), c)
		return nil
	case annotate.PenStroke:
		if len(v.Points) < 2 {
			return nil
		}
		drawStroke(dst, v.Points, v.StrokeWidth, parseHexColor(v.Color, color.NRGBA{R: 225, G: 29, B: 72, A: 255}))
		return nil
	case annotate.TextNote:
		return drawTextNote(dst, v)
	case annotate.Redaction:
		fillRect(dst, rectOf(v.X, v.Y, v.Width, v.Height), color.NRGBA{A: 255})
		return nil
	case annotate.Signature:
		return drawSignature(dst, v)
	default:
		return fmt.Errorf("unhandled annotation type %T", a)
	}
}

func rectOf(x, y, w, h float64) image.Rectangle {
	return image.Rect(int(math.Round(x)), int(math.Round(y)), int(math.Round(x+w)), int(math.Round(y+h)))
}

func fillRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
}

// strokeRect draws a 1px rectangle outline.
func strokeRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	fillRect(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), c)
	fillRect(dst, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), c)
	fillRect(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), c)
	fillRect(dst, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), c)
}

// drawStroke paints a polyline by stamping discs along each segment, which
// gives round caps and round joins for free.
func drawStroke(dst *image.RGBA, points []annotate.Point, width float64, c color.Color) {
	if width < 1 {
		width = 1
	}
	radius := width / 2
	for i := 1; i < len(points); i++ {
		stampSegment(dst, points[i-1], points[i], radius, c)
	}
}

func stampSegment(dst *image.RGBA, p0, p1 annotate.Point, radius float64, c color.Color) {
	dx := p1.X - p0.X
	dy := p1.Y - p0.Y
	dist := math.Hypot(dx, dy)
	steps := int(dist) + 1
	for s := 0; s <= steps; s++ {
		t := float64(s) / float64(steps)
		stampDisc(dst, p0.X+dx*t, p0.Y+dy*t, radius, c)
	}
}

func stampDisc(dst *image.RGBA, cx, cy, radius float64, c color.Color) {
	r := int(math.Ceil(radius))
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if float64(x*x+y*y) <= radius*radius+0.25 {
				px := int(math.Round(cx)) + x
				py := int(math.Round(cy)) + y
				if (image.Point{X: px, Y: py}).In(dst.Bounds()) {
					dst.Set(px, py, c)
				}
			}
		}
	}
}

// drawSignature decodes the embedded data URL and scales it into the bounds.
func drawSignature(dst *image.RGBA, v annotate.Signature) error {
	img, err := decodeDataURL(v.ImageDataURL)
	if err != nil {
		return fmt.Errorf("signature image: %w", err)
	}
	box := rectOf(v.X, v.Y, v.Width, v.Height)
	if box.Dx() < 1 || box.Dy() < 1 {
		return nil
	}
	scaled := imaging.Resize(img, box.Dx(), box.Dy(), imaging.Lanczos)
	draw.Draw(dst, box.Intersect(dst.Bounds()), scaled, image.Point{}, draw.Over)
	return nil
}

func decodeDataURL(dataURL string) (image.Image, error) {
	idx := strings.Index(dataURL, ",")
	if !strings.HasPrefix(dataURL, "data:") || idx < 0 {
		return nil, fmt.Errorf("malformed data url")
	}
	payload := dataURL[idx+1:]
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func parseHexColor(s string, fallback color.NRGBA) color.NRGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return fallback
	}
	var rgb [3]uint8
	for i := 0; i < 3; i++ {
		hi := hexNibble(s[i*2])
		lo := hexNibble(s[i*2+1])
		if hi < 0 || lo < 0 {
			return fallback
		}
		rgb[i] = uint8(hi<<4 | lo)
	}
	return color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255}
}

func hexNibble(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	}
	return -1
}

func encode(img image.Image, opts Options) ([]byte, string, error) {
	var buf bytes.Buffer
	switch opts.Format {
	case "jpeg":
		quality := opts.Quality
		if quality < 0.60 {
			quality = 0.60
		}
		if quality > 0.95 {
			quality = 0.95
		}
		err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(int(math.Round(quality*100))))
		if err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), "jpeg", nil
	default:
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), "png", nil
	}
}

// thumbnail loads the encoded capture and scales it so the longer edge is at
// most maxPx, re-encoding as PNG.
func thumbnail(encoded []byte, maxPx int) ([]byte, error) {
	if maxPx <= 0 {
		maxPx = 200
	}
	img, err := imaging.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode for thumbnail: %w", err)
	}
	small := imaging.Fit(img, maxPx, maxPx, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, small, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
