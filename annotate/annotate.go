// Package annotate holds the per-page annotation model for a capture
// session: a closed set of annotation kinds, an append-only list per page,
// and per-page undo/redo stacks of full list snapshots.
//
// All coordinates are in the PDF page's rendered pixel space at capture
// scale, not the on-screen zoom scale, so the compositor can overlay them
// pixel-exact on the base render.
package annotate

import (
	"sync"
)

// DefaultHighlightOpacity is used when a highlight arrives without one.
const DefaultHighlightOpacity = 0.35

// Point is a single coordinate of a freehand stroke.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Annotation is the closed set of overlay annotation kinds. The compositor
// matches exhaustively over the concrete types; adding a kind without
// handling it there is a bug the sealed interface makes visible.
type Annotation interface {
	isAnnotation()
}

// Highlight is a semi-transparent yellow rectangle.
type Highlight struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Opacity float64 `json:"opacity"`
}

// PenStroke is a freehand path. It only renders with at least two points.
type PenStroke struct {
	Points      []Point `json:"points"`
	StrokeWidth float64 `json:"strokeWidth"`
	Color       string  `json:"color"`
}

// TextNotePad is the inner padding of a text note's bounding box. Font
// fitting and the compositor's text layout both work on the padded box.
const TextNotePad = 4

// TextNote is word-wrapped text inside a bounding box.
type TextNote struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize"`
	Color    string  `json:"color"`
}

// Redaction is an opaque black rectangle.
type Redaction struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Signature is an embedded raster image drawn scaled into its bounding box.
type Signature struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	ImageDataURL string  `json:"imageDataUrl"`
}

func (Highlight) isAnnotation() {}
func (PenStroke) isAnnotation() {}
func (TextNote) isAnnotation()  {}
func (Redaction) isAnnotation() {}
func (Signature) isAnnotation() {}

// Store keeps annotation lists, undo/redo stacks and rotations keyed by page
// number. Lists are replaced wholesale on every mutation so concurrently
// scheduled readers always observe a consistent snapshot.
type Store struct {
	mu        sync.RWMutex
	pages     map[int][]Annotation
	undo      map[int][][]Annotation
	redo      map[int][][]Annotation
	rotations map[int]int
}

// NewStore returns an empty annotation store.
func NewStore() *Store {
	return &Store{
		pages:     make(map[int][]Annotation),
		undo:      make(map[int][][]Annotation),
		redo:      make(map[int][][]Annotation),
		rotations: make(map[int]int),
	}
}

// List returns the current annotation list for a page. The returned slice is
// never mutated in place by the store; callers must treat it as read-only.
func (s *Store) List(page int) []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pages[page]
}

// Count returns the number of annotations on a page.
func (s *Store) Count(page int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages[page])
}

// Append commits one annotation to a page, snapshotting the pre-append list
// onto the undo stack and clearing the redo stack.
func (s *Store) Append(page int, a Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.pages[page]
	next := make([]Annotation, len(prev), len(prev)+1)
	copy(next, prev)
	next = append(next, a)
	s.undo[page] = append(s.undo[page], prev)
	s.redo[page] = nil
	s.pages[page] = next
}

// RemoveLast removes the most recently appended annotation on a page, going
// through the same snapshot discipline as Append. Returns false when the
// page has no annotations.
func (s *Store) RemoveLast(page int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.pages[page]
	if len(prev) == 0 {
		return false
	}
	next := make([]Annotation, len(prev)-1)
	copy(next, prev[:len(prev)-1])
	s.undo[page] = append(s.undo[page], prev)
	s.redo[page] = nil
	s.pages[page] = next
	return true
}

// Replace swaps in a whole new annotation list for a page, going through the
// same snapshot discipline as Append so the swap is a single undoable step.
// Used when a client restores a previously exported annotation set.
func (s *Store) Replace(page int, list []Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.pages[page]
	next := make([]Annotation, len(list))
	copy(next, list)
	s.undo[page] = append(s.undo[page], prev)
	s.redo[page] = nil
	s.pages[page] = next
}

// Undo restores the previous annotation list for a page, pushing the current
// one onto the redo stack. Returns false when there is nothing to undo.
func (s *Store) Undo(page int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.undo[page]
	if len(stack) == 0 {
		return false
	}
	restored := stack[len(stack)-1]
	s.undo[page] = stack[:len(stack)-1]
	s.redo[page] = append(s.redo[page], s.pages[page])
	s.pages[page] = restored
	return true
}

// Redo is the mirror of Undo.
func (s *Store) Redo(page int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.redo[page]
	if len(stack) == 0 {
		return false
	}
	restored := stack[len(stack)-1]
	s.redo[page] = stack[:len(stack)-1]
	s.undo[page] = append(s.undo[page], s.pages[page])
	s.pages[page] = restored
	return true
}

// CanUndo reports whether a page has undo history.
func (s *Store) CanUndo(page int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.undo[page]) > 0
}

// CanRedo reports whether a page has redo history.
func (s *Store) CanRedo(page int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.redo[page]) > 0
}

// Rotation returns the page's rotation in degrees (0, 90, 180 or 270).
// Pages without a stored rotation report 0.
func (s *Store) Rotation(page int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotations[page]
}

// Rotate advances the page's rotation by 90 degrees and returns the new
// value. Annotation coordinates are page-local, so rotating invalidates
// nothing else; rotation is applied at render time.
func (s *Store) Rotate(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := (s.rotations[page] + 90) % 360
	if next == 0 {
		delete(s.rotations, page)
	} else {
		s.rotations[page] = next
	}
	return next
}

// Reset discards every annotation, stack and rotation. Used when the
// document is cleared or replaced.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = make(map[int][]Annotation)
	s.undo = make(map[int][][]Annotation)
	s.redo = make(map[int][][]Annotation)
	s.rotations = make(map[int]int)
}
