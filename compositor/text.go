package compositor

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/drummonds/goPageSnap/annotate"
)

// textPad is the inner padding of a text note's bounding box, shared with
// the draft font fitting in annotate.
const textPad = annotate.TextNotePad

var (
	noteBackground = color.NRGBA{R: 255, G: 255, B: 255, A: 242}
	noteBorder     = color.NRGBA{R: 148, G: 148, B: 148, A: 255}
)

var (
	fontOnce   sync.Once
	fontErr    error
	parsedFont *opentype.Font

	faceMu sync.Mutex
	faces  = map[float64]font.Face{}
)

// faceFor returns a cached face for the given point size.
func faceFor(size float64) (font.Face, error) {
	fontOnce.Do(func() {
		parsedFont, fontErr = opentype.Parse(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fmt.Errorf("parse embedded font: %w", fontErr)
	}
	faceMu.Lock()
	defer faceMu.Unlock()
	if face, ok := faces[size]; ok {
		return face, nil
	}
	face, err := opentype.NewFace(parsedFont, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("build font face: %w", err)
	}
	faces[size] = face
	return face, nil
}

// drawTextNote paints the note background, the border, and the word-wrapped
// text centred vertically inside the padded box.
func drawTextNote(dst *image.RGBA, v annotate.TextNote) error {
	box := rectOf(v.X, v.Y, v.Width, v.Height)
	if box.Dx() < 1 || box.Dy() < 1 {
		return nil
	}
	fillRect(dst, box, noteBackground)
	strokeRect(dst, box, noteBorder)

	text := strings.TrimSpace(v.Text)
	if text == "" {
		return nil
	}

	innerWidth := v.Width - 2*textPad
	innerHeight := v.Height - 2*textPad
	if innerWidth < 1 || innerHeight < 1 {
		return nil
	}

	size := v.FontSize
	if size <= 0 {
		size = annotate.FitFontSize(innerWidth, innerHeight)
	}
	face, err := faceFor(size)
	if err != nil {
		return err
	}

	lines := wrapText(face, text, fixed.I(int(innerWidth)))
	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	totalHeight := lineHeight * len(lines)

	startY := box.Min.Y + textPad + (int(innerHeight)-totalHeight)/2 + metrics.Ascent.Ceil()
	textColor := parseHexColor(v.Color, color.NRGBA{R: 17, G: 17, B: 17, A: 255})

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(textColor),
		Face: face,
	}
	for i, line := range lines {
		baseline := startY + i*lineHeight
		if baseline > box.Max.Y {
			break
		}
		drawer.Dot = fixed.P(box.Min.X+textPad, baseline)
		drawer.DrawString(line)
	}
	return nil
}

// wrapText greedily packs words into lines, breaking to a new line when
// appending the next word would exceed the inner width. Words wider than a
// whole line are placed alone and clipped by the drawing bounds.
func wrapText(face font.Face, text string, maxWidth fixed.Int26_6) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	drawer := &font.Drawer{Face: face}

	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		candidate := current + " " + word
		if drawer.MeasureString(candidate) > maxWidth {
			lines = append(lines, current)
			current = word
			continue
		}
		current = candidate
	}
	return append(lines, current)
}
