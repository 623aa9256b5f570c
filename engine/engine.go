package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/drummonds/goPageSnap/annotate"
	"github.com/drummonds/goPageSnap/capture"
	"github.com/drummonds/goPageSnap/compositor"
	"github.com/drummonds/goPageSnap/config"
	"github.com/drummonds/goPageSnap/database"
	"github.com/drummonds/goPageSnap/engine/pdfrenderer"
	"github.com/drummonds/goPageSnap/viewport"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// ErrSessionNotFound is returned for requests naming an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed is returned when a capture or export starts against a
// session already being torn down.
var ErrSessionClosed = errors.New("session closed")

// ServerHandler will inject the variables needed into routes
type ServerHandler struct {
	DB           database.Repository
	Echo         *echo.Echo
	ServerConfig config.ServerConfig
	Renderer     pdfrenderer.Renderer

	mu       sync.Mutex
	sessions map[string]*Session
}

// Session is one open document under review: its annotation state, capture
// state machine, gesture editor and active-page tracking.
type Session struct {
	ID        string
	PageCount int

	Annotations *annotate.Store
	Editor      *annotate.Editor
	Machine     *capture.Machine

	doc       pdfrenderer.Document
	debouncer *viewport.Debouncer

	// captureMu serializes all access to doc (which is not safe for
	// concurrent use) and fences teardown against an in-flight capture
	// or batch render.
	captureMu sync.Mutex
	closed    bool

	mu          sync.Mutex
	activePage  int
	autoCapture bool
	lastUsed    time.Time
}

// NewServerHandler wires the engine together and prepares working storage.
func NewServerHandler(db database.Repository, e *echo.Echo, serverConfig config.ServerConfig, renderer pdfrenderer.Renderer) (*ServerHandler, error) {
	for _, dir := range []string{serverConfig.WorkDir, serverConfig.ExportDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("unable to create working directory %s: %w", dir, err)
		}
	}
	return &ServerHandler{
		DB:           db,
		Echo:         e,
		ServerConfig: serverConfig,
		Renderer:     renderer,
		sessions:     make(map[string]*Session),
	}, nil
}

// CreateSession opens a document and starts a review session for it.
func (serverHandler *ServerHandler) CreateSession(data []byte, password string) (*Session, error) {
	doc, err := serverHandler.Renderer.Open(data, password)
	if err != nil {
		return nil, err
	}

	settings := serverHandler.DB.FetchExportSettings()
	session := &Session{
		ID:          ulid.Make().String(),
		PageCount:   doc.PageCount(),
		Annotations: annotate.NewStore(),
		Machine:     capture.NewMachine(),
		doc:         doc,
		autoCapture: settings.AutoCapture && serverHandler.ServerConfig.AutoCapture,
		lastUsed:    time.Now(),
	}
	session.Editor = annotate.NewEditor(session.Annotations)

	quiet := time.Duration(serverHandler.ServerConfig.DebounceQuietMs) * time.Millisecond
	session.debouncer = viewport.NewDebouncer(quiet, func(page int) {
		serverHandler.autoCaptureFired(session, page)
	})

	serverHandler.mu.Lock()
	serverHandler.sessions[session.ID] = session
	serverHandler.mu.Unlock()

	Logger.Info("Session created", "session", session.ID, "pages", session.PageCount)
	return session, nil
}

// Session looks up a live session and refreshes its idle stamp.
func (serverHandler *ServerHandler) Session(id string) (*Session, error) {
	serverHandler.mu.Lock()
	session, ok := serverHandler.sessions[id]
	serverHandler.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	session.mu.Lock()
	session.lastUsed = time.Now()
	session.mu.Unlock()
	return session, nil
}

// CloseSession tears a session down, releasing every capture resource.
func (serverHandler *ServerHandler) CloseSession(id string) error {
	serverHandler.mu.Lock()
	session, ok := serverHandler.sessions[id]
	delete(serverHandler.sessions, id)
	serverHandler.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	serverHandler.teardown(session)
	return nil
}

func (serverHandler *ServerHandler) teardown(session *Session) {
	session.debouncer.Stop()

	// Wait out any in-flight capture or batch render before touching the
	// document, then bar new ones from starting.
	session.captureMu.Lock()
	session.closed = true
	session.captureMu.Unlock()

	session.Machine.ClearAll()
	session.Annotations.Reset()
	if err := session.doc.Close(); err != nil {
		Logger.Warn("Error closing document", "session", session.ID, "error", err)
	}
	os.RemoveAll(serverHandler.sessionWorkDir(session.ID))
	Logger.Info("Session closed", "session", session.ID)
}

// UpdateVisibility feeds one viewport-intersection snapshot through the
// active-page resolver and the debouncer. Returns the resolved active page.
func (serverHandler *ServerHandler) UpdateVisibility(session *Session, ratios map[int]float64) int {
	session.mu.Lock()
	resolved := viewport.Resolve(ratios, session.activePage)
	session.activePage = resolved
	session.mu.Unlock()

	session.debouncer.Propose(resolved)
	return resolved
}

// SetAutoCapture toggles automatic capture for the session. Turning it off
// only means "do not schedule a new one"; an in-flight capture finishes.
func (session *Session) SetAutoCapture(enabled bool) {
	session.mu.Lock()
	session.autoCapture = enabled
	session.mu.Unlock()
}

// AutoCaptureEnabled reports the session's auto-capture toggle.
func (session *Session) AutoCaptureEnabled() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.autoCapture
}

// ActivePage returns the page currently judged most visible.
func (session *Session) ActivePage() int {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.activePage
}

// autoCaptureFired runs when the debouncer settles on a page.
func (serverHandler *ServerHandler) autoCaptureFired(session *Session, page int) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Panic recovered in auto capture", "session", session.ID, "page", page, "panic", r)
		}
	}()

	if !session.AutoCaptureEnabled() {
		return
	}
	if !session.Machine.AutoEligible(page) {
		return
	}
	if err := serverHandler.CapturePage(session, page); err != nil {
		if errors.Is(err, capture.ErrCaptureInFlight) || errors.Is(err, ErrSessionClosed) {
			Logger.Debug("Auto capture skipped", "session", session.ID, "page", page, "reason", err)
			return
		}
		Logger.Error("Auto capture failed", "session", session.ID, "page", page, "error", err)
	}
}

// CapturePage runs the full capture pipeline for one page: render at capture
// scale and rotation, composite the current annotation list, encode, derive
// the thumbnail, and store the result. The capture lock is always released,
// whether the pipeline completes or fails.
func (serverHandler *ServerHandler) CapturePage(session *Session, page int) error {
	if page < 1 || page > session.PageCount {
		return fmt.Errorf("page %d out of range (document has %d pages)", page, session.PageCount)
	}

	session.captureMu.Lock()
	defer session.captureMu.Unlock()
	if session.closed {
		return ErrSessionClosed
	}

	recapture, err := session.Machine.Begin(page)
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			session.Machine.Fail(page)
		}
	}()

	result, err := serverHandler.renderAndCompose(session, page)
	if err != nil {
		Logger.Error("Capture failed", "session", session.ID, "page", page, "recapture", recapture, "error", err)
		return fmt.Errorf("capture of page %d failed: %w", page, err)
	}

	thumb, err := serverHandler.writeThumbnail(session.ID, page, result.Thumbnail)
	if err != nil {
		Logger.Error("Capture failed writing thumbnail", "session", session.ID, "page", page, "error", err)
		return fmt.Errorf("capture of page %d failed: %w", page, err)
	}

	session.Machine.Complete(page, &capture.CapturedPage{
		Image:     result.Image,
		Format:    result.Format,
		Thumbnail: thumb,
	})
	completed = true

	Logger.Info("Page captured", "session", session.ID, "page", page, "recapture", recapture, "bytes", len(result.Image))
	return nil
}

// renderAndCompose produces the flattened, encoded image for one page.
func (serverHandler *ServerHandler) renderAndCompose(session *Session, page int) (compositor.Result, error) {
	base, err := session.doc.RenderPage(page, serverHandler.ServerConfig.CaptureScale)
	if err != nil {
		return compositor.Result{}, err
	}
	rotated := compositor.Rotate(base, session.Annotations.Rotation(page))

	return compositor.Capture(rotated, session.Annotations.List(page), compositor.Options{
		Format:     serverHandler.ServerConfig.OutputFormat,
		Quality:    serverHandler.ServerConfig.JPEGQuality,
		ThumbMaxPx: serverHandler.ServerConfig.ThumbnailMaxPx,
	})
}

func (serverHandler *ServerHandler) sessionWorkDir(sessionID string) string {
	return filepath.Join(serverHandler.ServerConfig.WorkDir, "thumbs", sessionID)
}

// writeThumbnail stores the thumbnail bytes on disk and wraps them in a
// handle the capture machine owns from here on.
func (serverHandler *ServerHandler) writeThumbnail(sessionID string, page int, data []byte) (*capture.ThumbnailHandle, error) {
	dir := serverHandler.sessionWorkDir(sessionID)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	// Each capture writes a fresh file so a replaced thumbnail's handle
	// stays valid until the machine revokes it.
	path := filepath.Join(dir, fmt.Sprintf("page-%03d-%s.png", page, ulid.Make().String()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return capture.NewThumbnailHandle(path), nil
}
