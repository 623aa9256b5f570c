// Package capture tracks per-page capture status, owns the captured image
// blobs and their thumbnail resources, and enforces the single-flight rule:
// only one capture operation may be in flight at a time.
package capture

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// Status is the capture state of one page.
type Status int

const (
	StatusIdle Status = iota
	StatusCapturing
	StatusCaptured
)

func (s Status) String() string {
	switch s {
	case StatusCapturing:
		return "capturing"
	case StatusCaptured:
		return "captured"
	default:
		return "idle"
	}
}

// ErrCaptureInFlight is returned when a capture is requested while another
// one holds the global lock.
var ErrCaptureInFlight = errors.New("a capture is already in flight")

// ErrNotCaptured is returned for operations that need an existing capture.
var ErrNotCaptured = errors.New("page has not been captured")

// ThumbnailHandle owns a file-backed thumbnail. Release must be called on
// every replacement or deletion path or the file leaks; it is idempotent.
type ThumbnailHandle struct {
	mu       sync.Mutex
	path     string
	released bool
}

// NewThumbnailHandle wraps an already-written thumbnail file.
func NewThumbnailHandle(path string) *ThumbnailHandle {
	return &ThumbnailHandle{path: path}
}

// Path returns the thumbnail file path, or "" once released.
func (h *ThumbnailHandle) Path() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ""
	}
	return h.path
}

// Release deletes the underlying file. Safe to call more than once.
func (h *ThumbnailHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		if Logger != nil {
			Logger.Warn("Unable to remove thumbnail file", "path", h.path, "error", err)
		}
	}
}

// Released reports whether the handle has been released.
func (h *ThumbnailHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// CapturedPage is the stored result of one capture.
type CapturedPage struct {
	Image     []byte
	Format    string // "png" or "jpeg"
	Thumbnail *ThumbnailHandle
}

func (cp *CapturedPage) releaseThumbnail() {
	if cp != nil && cp.Thumbnail != nil {
		cp.Thumbnail.Release()
	}
}

// Machine is the per-session capture state machine. All methods are safe for
// concurrent use; the render-and-encode pipeline itself is serialized by the
// single-permit semaphore.
type Machine struct {
	mu           sync.Mutex
	flight       *semaphore.Weighted
	status       map[int]Status
	pages        map[int]*CapturedPage
	selected     map[int]bool
	everCaptured map[int]bool

	// set while the lock is held
	inFlightPage      int
	inFlightRecapture bool
}

// NewMachine returns an empty capture state machine.
func NewMachine() *Machine {
	return &Machine{
		flight:       semaphore.NewWeighted(1),
		status:       make(map[int]Status),
		pages:        make(map[int]*CapturedPage),
		selected:     make(map[int]bool),
		everCaptured: make(map[int]bool),
	}
}

// Status returns the capture status of a page.
func (m *Machine) Status(page int) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[page]
}

// Captured returns the stored capture for a page, or nil.
func (m *Machine) Captured(page int) *CapturedPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[page]
}

// CapturedPages returns the captured page numbers in ascending order.
func (m *Machine) CapturedPages() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.pages))
	for page := range m.pages {
		out = append(out, page)
	}
	sort.Ints(out)
	return out
}

// AutoEligible reports whether automatic capture may fire for a page. A page
// is auto-captured at most once: once it has ever reached captured, only
// explicit user actions may re-render it.
func (m *Machine) AutoEligible(page int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.everCaptured[page] && m.status[page] == StatusIdle
}

// Begin takes the global capture lock for a page. It reports whether this is
// a recapture (the page already holds a captured image, whose visual state is
// kept while the new render runs). Returns ErrCaptureInFlight without any
// state change when another capture holds the lock.
func (m *Machine) Begin(page int) (recapture bool, err error) {
	if !m.flight.TryAcquire(1) {
		return false, ErrCaptureInFlight
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recapture = m.status[page] == StatusCaptured
	if !recapture {
		m.status[page] = StatusCapturing
	}
	m.inFlightPage = page
	m.inFlightRecapture = recapture
	return recapture, nil
}

// Complete stores the captured page and releases the lock. A first capture
// adds the page to the selection set; a recapture replaces the stored image
// in place (revoking the old thumbnail) without touching selection. A call
// for a page that does not hold the lock is ignored.
func (m *Machine) Complete(page int, cp *CapturedPage) {
	m.mu.Lock()
	if m.inFlightPage != page {
		m.mu.Unlock()
		if Logger != nil {
			Logger.Warn("Complete without the capture lock ignored", "page", page)
		}
		return
	}
	old := m.pages[page]
	m.pages[page] = cp
	m.status[page] = StatusCaptured
	wasRecapture := m.inFlightRecapture
	if !wasRecapture {
		m.selected[page] = true
	}
	m.everCaptured[page] = true
	m.inFlightPage = 0
	m.inFlightRecapture = false
	m.mu.Unlock()

	if old != nil {
		old.releaseThumbnail()
	}
	m.flight.Release(1)
}

// Fail rolls back a failed capture and releases the lock. First captures
// revert to idle so auto-capture can retry later; failed recaptures keep the
// old image and captured status intact. The lock release happens last, so it
// is ordered after the status rollback regardless of outcome. A call for a
// page that does not hold the lock is ignored.
func (m *Machine) Fail(page int) {
	m.mu.Lock()
	if m.inFlightPage != page {
		m.mu.Unlock()
		if Logger != nil {
			Logger.Warn("Fail without the capture lock ignored", "page", page)
		}
		return
	}
	if !m.inFlightRecapture {
		m.status[page] = StatusIdle
	}
	m.inFlightPage = 0
	m.inFlightRecapture = false
	m.mu.Unlock()

	m.flight.Release(1)
}

// Undo discards a page's captured image, revoking its thumbnail, removing it
// from the selection set and returning it to idle. Annotations are owned
// elsewhere and are untouched, so a later recapture re-applies them.
func (m *Machine) Undo(page int) error {
	m.mu.Lock()
	cp, ok := m.pages[page]
	if !ok {
		m.mu.Unlock()
		return ErrNotCaptured
	}
	delete(m.pages, page)
	delete(m.selected, page)
	m.status[page] = StatusIdle
	m.mu.Unlock()

	cp.releaseThumbnail()
	return nil
}

// ToggleSelect flips a captured page's selection membership.
func (m *Machine) ToggleSelect(page int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[page]; !ok {
		return ErrNotCaptured
	}
	if m.selected[page] {
		delete(m.selected, page)
	} else {
		m.selected[page] = true
	}
	return nil
}

// SelectAll marks every currently captured page selected.
func (m *Machine) SelectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for page := range m.pages {
		m.selected[page] = true
	}
}

// DeselectAll empties the selection set.
func (m *Machine) DeselectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = make(map[int]bool)
}

// Selected returns the selected page numbers in ascending order.
func (m *Machine) Selected() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.selected))
	for page := range m.selected {
		out = append(out, page)
	}
	sort.Ints(out)
	return out
}

// IsSelected reports a page's selection membership.
func (m *Machine) IsSelected(page int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected[page]
}

// RemoveSelected deletes every selected capture, revoking each thumbnail.
func (m *Machine) RemoveSelected() {
	m.mu.Lock()
	var victims []*CapturedPage
	for page := range m.selected {
		if cp, ok := m.pages[page]; ok {
			victims = append(victims, cp)
			delete(m.pages, page)
			m.status[page] = StatusIdle
		}
		delete(m.selected, page)
	}
	m.mu.Unlock()

	for _, cp := range victims {
		cp.releaseThumbnail()
	}
}

// ClearAll deletes every capture, revokes every thumbnail, and resets
// selection, statuses and in-flight markers.
func (m *Machine) ClearAll() {
	m.mu.Lock()
	victims := make([]*CapturedPage, 0, len(m.pages))
	for _, cp := range m.pages {
		victims = append(victims, cp)
	}
	m.pages = make(map[int]*CapturedPage)
	m.selected = make(map[int]bool)
	m.status = make(map[int]Status)
	m.everCaptured = make(map[int]bool)
	m.mu.Unlock()

	for _, cp := range victims {
		cp.releaseThumbnail()
	}
}
