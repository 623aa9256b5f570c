package annotate

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
)

// Tool identifies the active drawing tool. Selection is exclusive: at most
// one tool is active at a time.
type Tool string

const (
	ToolNone      Tool = "none"
	ToolHighlight Tool = "highlight"
	ToolPen       Tool = "pen"
	ToolText      Tool = "text"
	ToolRedaction Tool = "redaction"
	ToolEraser    Tool = "eraser"
)

var validTools = map[Tool]bool{
	ToolNone:      true,
	ToolHighlight: true,
	ToolPen:       true,
	ToolText:      true,
	ToolRedaction: true,
	ToolEraser:    true,
}

// ErrNoGesture is returned when a move/up arrives without a pointer-down.
var ErrNoGesture = errors.New("no gesture in progress")

// ErrNoDraft is returned when text is committed without a pending text note.
var ErrNoDraft = errors.New("no text note draft pending")

// Default pen styling used when the client does not send its own.
const (
	DefaultStrokeWidth = 3.0
	DefaultPenColor    = "#e11d48"
	DefaultTextColor   = "#111111"
)

// Editor turns pointer gestures into committed annotations. Pen, highlight
// and redaction follow a down -> move (accumulate) -> up (commit) cycle; the
// eraser acts on pointer-down; the text tool commits a drag-to-size draft
// that only becomes an annotation once non-empty text is supplied.
type Editor struct {
	mu    sync.Mutex
	store *Store

	tool        Tool
	strokeWidth float64
	penColor    string

	drawing   bool
	page      int
	startX    float64
	startY    float64
	lastX     float64
	lastY     float64
	points    []Point
	textDraft *TextNote
}

// NewEditor returns an editor committing into the given store.
func NewEditor(store *Store) *Editor {
	return &Editor{
		store:       store,
		tool:        ToolNone,
		strokeWidth: DefaultStrokeWidth,
		penColor:    DefaultPenColor,
	}
}

// SelectTool switches the active tool, discarding any in-progress gesture or
// text draft.
func (e *Editor) SelectTool(t Tool) error {
	if !validTools[t] {
		return fmt.Errorf("unknown tool %q", t)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tool = t
	e.resetGestureLocked()
	return nil
}

// Tool returns the active tool.
func (e *Editor) Tool() Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tool
}

// SetPenStyle updates the stroke styling used by subsequent pen gestures.
func (e *Editor) SetPenStyle(width float64, color string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if width > 0 {
		e.strokeWidth = width
	}
	if color != "" {
		e.penColor = color
	}
}

// PointerDown starts a gesture at (x, y) on the given page. For the eraser
// it removes the page's most recent annotation immediately; no drag gesture
// is involved. Returns true when the event had an effect.
func (e *Editor) PointerDown(page int, x, y float64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.tool {
	case ToolNone:
		return false, nil
	case ToolEraser:
		return e.store.RemoveLast(page), nil
	}
	e.resetGestureLocked()
	e.drawing = true
	e.page = page
	e.startX, e.startY = x, y
	e.lastX, e.lastY = x, y
	if e.tool == ToolPen {
		e.points = []Point{{X: x, Y: y}}
	}
	return true, nil
}

// PointerMove accumulates the gesture.
func (e *Editor) PointerMove(x, y float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.drawing {
		return ErrNoGesture
	}
	e.lastX, e.lastY = x, y
	if e.tool == ToolPen {
		e.points = append(e.points, Point{X: x, Y: y})
	}
	return nil
}

// PointerUp finishes the gesture. Highlight, pen and redaction commit one
// annotation; the text tool leaves a sized draft behind that CommitText
// either fills in or discards. Returns the committed annotation, or nil when
// the gesture produced nothing (degenerate rectangle, single-point stroke,
// or a text draft still awaiting its text).
func (e *Editor) PointerUp(x, y float64) (Annotation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.drawing {
		return nil, ErrNoGesture
	}
	e.drawing = false
	e.lastX, e.lastY = x, y

	rx, ry, rw, rh := rectFrom(e.startX, e.startY, x, y)

	switch e.tool {
	case ToolHighlight:
		if rw < 1 || rh < 1 {
			return nil, nil
		}
		a := Highlight{X: rx, Y: ry, Width: rw, Height: rh, Opacity: DefaultHighlightOpacity}
		e.store.Append(e.page, a)
		return a, nil
	case ToolRedaction:
		if rw < 1 || rh < 1 {
			return nil, nil
		}
		a := Redaction{X: rx, Y: ry, Width: rw, Height: rh}
		e.store.Append(e.page, a)
		return a, nil
	case ToolPen:
		pts := e.points
		e.points = nil
		// the release coordinate closes the stroke; a tap stays one point
		if last := pts[len(pts)-1]; last.X != x || last.Y != y {
			pts = append(pts, Point{X: x, Y: y})
		}
		if len(pts) < 2 {
			return nil, nil
		}
		a := PenStroke{Points: pts, StrokeWidth: e.strokeWidth, Color: e.penColor}
		e.store.Append(e.page, a)
		return a, nil
	case ToolText:
		if rw < 1 || rh < 1 {
			return nil, nil
		}
		e.textDraft = &TextNote{
			X: rx, Y: ry, Width: rw, Height: rh,
			FontSize: FitFontSize(rw-2*TextNotePad, rh-2*TextNotePad),
			Color:    DefaultTextColor,
		}
		return nil, nil
	}
	return nil, nil
}

// CommitText attaches the typed text to the pending text note draft. The
// text is trimmed; an empty result discards the draft instead of committing
// an annotation.
func (e *Editor) CommitText(text string) (Annotation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.textDraft == nil {
		return nil, ErrNoDraft
	}
	draft := *e.textDraft
	e.textDraft = nil
	draft.Text = strings.TrimSpace(text)
	if draft.Text == "" {
		return nil, nil
	}
	e.store.Append(e.page, draft)
	return draft, nil
}

// CancelDraft discards any in-progress gesture and pending text draft.
// Bound to Escape in the client.
func (e *Editor) CancelDraft() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetGestureLocked()
}

// PlaceSignature appends a signature image at the given bounds. Re-placing
// is a fresh append; dragging an existing signature is modelled client-side
// as a remove-last plus re-place.
func (e *Editor) PlaceSignature(page int, x, y, w, h float64, imageDataURL string) (Annotation, error) {
	if imageDataURL == "" {
		return nil, errors.New("signature image is required")
	}
	if w < 1 || h < 1 {
		return nil, errors.New("signature bounds are degenerate")
	}
	a := Signature{X: x, Y: y, Width: w, Height: h, ImageDataURL: imageDataURL}
	e.store.Append(page, a)
	return a, nil
}

func (e *Editor) resetGestureLocked() {
	e.drawing = false
	e.points = nil
	e.textDraft = nil
}

// FitFontSize computes the text-note font size from its inner box:
// clamp(10, min(24, floor(innerHeight/1.3), floor(innerWidth/4))).
func FitFontSize(innerWidth, innerHeight float64) float64 {
	size := math.Min(24, math.Min(math.Floor(innerHeight/1.3), math.Floor(innerWidth/4)))
	if size < 10 {
		size = 10
	}
	return size
}

func rectFrom(x0, y0, x1, y1 float64) (x, y, w, h float64) {
	x = math.Min(x0, x1)
	y = math.Min(y0, y1)
	w = math.Abs(x1 - x0)
	h = math.Abs(y1 - y0)
	return
}
