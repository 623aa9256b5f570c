package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/drummonds/goPageSnap/capture"
	"github.com/drummonds/goPageSnap/compositor"
	"github.com/drummonds/goPageSnap/config"
	"github.com/drummonds/goPageSnap/database"
	"github.com/drummonds/goPageSnap/engine/pdfrenderer"
)

type fakeDocument struct {
	pages  int
	closed bool
	fail   map[int]error

	renderStarted chan struct{} // signalled once a render is in progress
	renderBlock   chan struct{} // when non-nil, renders wait here
}

func (d *fakeDocument) PageCount() int { return d.pages }

func (d *fakeDocument) RenderPage(pageNumber int, scale float64) (image.Image, error) {
	if pageNumber < 1 || pageNumber > d.pages {
		return nil, fmt.Errorf("page %d out of range", pageNumber)
	}
	if d.renderStarted != nil {
		select {
		case d.renderStarted <- struct{}{}:
		default:
		}
	}
	if d.renderBlock != nil {
		<-d.renderBlock
	}
	if err := d.fail[pageNumber]; err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, 120, 160))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	// one page-specific pixel so captures are distinguishable
	img.SetNRGBA(0, 0, color.NRGBA{R: uint8(pageNumber), A: 255})
	return img, nil
}

func (d *fakeDocument) Close() error {
	d.closed = true
	return nil
}

type fakeRenderer struct {
	pages    int
	password string
	lastDoc  *fakeDocument
}

func (r *fakeRenderer) Open(data []byte, password string) (pdfrenderer.Document, error) {
	if len(data) == 0 {
		return nil, errors.New("corrupt or unreadable PDF")
	}
	if r.password != "" && password != r.password {
		return nil, pdfrenderer.ErrPasswordRequired
	}
	r.lastDoc = &fakeDocument{pages: r.pages, fail: map[int]error{}}
	return r.lastDoc, nil
}

func injectTestLoggers() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	Logger = logger
	capture.Logger = logger
	compositor.Logger = logger
	config.Logger = logger
	database.Logger = logger
}

func newTestHandler(t *testing.T, renderer *fakeRenderer) *ServerHandler {
	t.Helper()
	injectTestLoggers()

	dir := t.TempDir()
	db, err := database.NewRepository(filepath.Join(dir, "settings.db"))
	if err != nil {
		t.Fatalf("opening settings database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.ServerConfig{
		DatabasePath:     filepath.Join(dir, "settings.db"),
		CaptureScale:     1.0,
		OutputFormat:     "png",
		JPEGQuality:      0.92,
		ThumbnailMaxPx:   200,
		DebounceQuietMs:  5,
		AutoCapture:      true,
		WorkDir:          filepath.Join(dir, "work"),
		ExportDir:        filepath.Join(dir, "export"),
		SessionTTL:       time.Hour,
		SweepIntervalMin: 10,
	}

	handler, err := NewServerHandler(db, echo.New(), cfg, renderer)
	if err != nil {
		t.Fatalf("creating handler: %v", err)
	}
	handler.RegisterRoutes()
	return handler
}

func newTestSession(t *testing.T, handler *ServerHandler) *Session {
	t.Helper()
	session, err := handler.CreateSession([]byte("%PDF-fake"), "")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	t.Cleanup(func() { handler.CloseSession(session.ID) })
	return session
}

func doJSON(handler *ServerHandler, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	handler.Echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func multipartUpload(t *testing.T, handler *ServerHandler, fileData []byte, password string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.pdf")
	if err != nil {
		t.Fatalf("building multipart: %v", err)
	}
	fw.Write(fileData)
	if password != "" {
		mw.WriteField("password", password)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/document", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.Echo.ServeHTTP(rec, req)
	return rec
}

func TestUploadDocument(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 4})

	rec := multipartUpload(t, handler, []byte("%PDF-fake"), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["pageCount"].(float64) != 4 {
		t.Errorf("pageCount = %v, want 4", body["pageCount"])
	}
	id := body["sessionID"].(string)
	if id == "" {
		t.Fatal("expected a session ID")
	}

	status := doJSON(handler, http.MethodGet, "/api/session/"+id, nil)
	if status.Code != http.StatusOK {
		t.Fatalf("status = %d", status.Code)
	}
}

func TestUploadDocument_PasswordRequired(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2, password: "secret"})

	rec := multipartUpload(t, handler, []byte("%PDF-fake"), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = multipartUpload(t, handler, []byte("%PDF-fake"), "secret")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status with password = %d, want 201", rec.Code)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2})
	rec := doJSON(handler, http.MethodGet, "/api/session/nonexistent", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestManualCaptureLifecycle(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 3})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	rec := doJSON(handler, http.MethodPost, base+"/page/2/capture", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("capture status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["status"]; got != "captured" {
		t.Errorf("status = %v, want captured", got)
	}

	thumb := doJSON(handler, http.MethodGet, base+"/page/2/thumbnail", nil)
	if thumb.Code != http.StatusOK {
		t.Fatalf("thumbnail status = %d", thumb.Code)
	}
	img := doJSON(handler, http.MethodGet, base+"/page/2/image", nil)
	if img.Code != http.StatusOK || img.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("image status = %d type %s", img.Code, img.Header().Get("Content-Type"))
	}

	// first capture auto-selects
	if !session.Machine.IsSelected(2) {
		t.Error("captured page should be selected")
	}

	// undo frees everything
	undo := doJSON(handler, http.MethodDelete, base+"/page/2/capture", nil)
	if undo.Code != http.StatusNoContent {
		t.Fatalf("undo status = %d", undo.Code)
	}
	thumb = doJSON(handler, http.MethodGet, base+"/page/2/thumbnail", nil)
	if thumb.Code != http.StatusNotFound {
		t.Errorf("thumbnail after undo = %d, want 404", thumb.Code)
	}
}

func TestCaptureFailureRevertsState(t *testing.T) {
	renderer := &fakeRenderer{pages: 3}
	handler := newTestHandler(t, renderer)
	session := newTestSession(t, handler)
	renderer.lastDoc.fail[1] = errors.New("render blew up")

	rec := doJSON(handler, http.MethodPost, "/api/session/"+session.ID+"/page/1/capture", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if session.Machine.Status(1) != capture.StatusIdle {
		t.Errorf("status after failure = %v, want idle", session.Machine.Status(1))
	}

	// the global lock must be free again
	renderer.lastDoc.fail = map[int]error{}
	rec = doJSON(handler, http.MethodPost, "/api/session/"+session.ID+"/page/1/capture", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d", rec.Code)
	}
}

func TestVisibilityDrivesAutoCapture(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 3})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	rec := doJSON(handler, http.MethodPost, base+"/visibility", map[string]any{
		"ratios": map[string]float64{"2": 0.9, "1": 0.1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("visibility status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["activePage"].(float64); got != 2 {
		t.Fatalf("activePage = %v, want 2", got)
	}

	waitForStatus(t, session, 2, capture.StatusCaptured)

	// revisiting the page must not recapture once it was captured and undone
	if err := session.Machine.Undo(2); err != nil {
		t.Fatalf("undo: %v", err)
	}
	doJSON(handler, http.MethodPost, base+"/visibility", map[string]any{
		"ratios": map[string]float64{"2": 0.9},
	})
	time.Sleep(50 * time.Millisecond)
	if session.Machine.Status(2) != capture.StatusIdle {
		t.Error("auto capture re-armed after undo")
	}
}

func waitForStatus(t *testing.T, session *Session, page int, want capture.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if session.Machine.Status(page) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("page %d never reached %v", page, want)
}

func TestAutoCaptureToggle(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 3})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	rec := doJSON(handler, http.MethodPost, base+"/autocapture", map[string]any{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", rec.Code)
	}
	doJSON(handler, http.MethodPost, base+"/visibility", map[string]any{
		"ratios": map[string]float64{"1": 0.9},
	})
	time.Sleep(50 * time.Millisecond)
	if session.Machine.Status(1) != capture.StatusIdle {
		t.Error("captured while auto capture disabled")
	}
}

func TestGestureRoundTrip(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	rec := doJSON(handler, http.MethodPost, base+"/tool", map[string]any{"tool": "highlight"})
	if rec.Code != http.StatusOK {
		t.Fatalf("tool status = %d, body %s", rec.Code, rec.Body.String())
	}
	doJSON(handler, http.MethodPost, base+"/gesture/down", map[string]any{"page": 1, "x": 10.0, "y": 10.0})
	doJSON(handler, http.MethodPost, base+"/gesture/move", map[string]any{"x": 30.0, "y": 20.0})
	up := doJSON(handler, http.MethodPost, base+"/gesture/up", map[string]any{"x": 60.0, "y": 40.0})
	if up.Code != http.StatusOK {
		t.Fatalf("up status = %d", up.Code)
	}
	if committed := decodeBody(t, up)["committed"]; committed != true {
		t.Fatalf("committed = %v, want true", committed)
	}

	list := doJSON(handler, http.MethodGet, base+"/page/1/annotations", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list status = %d", list.Code)
	}
	var annots []json.RawMessage
	if err := json.Unmarshal(list.Body.Bytes(), &annots); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(annots) != 1 {
		t.Fatalf("annotation count = %d, want 1", len(annots))
	}
	if !strings.Contains(string(annots[0]), `"highlight"`) {
		t.Errorf("annotation kind missing from %s", annots[0])
	}
}

func TestTextDraftFlow(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	doJSON(handler, http.MethodPost, base+"/tool", map[string]any{"tool": "text"})
	doJSON(handler, http.MethodPost, base+"/gesture/down", map[string]any{"page": 1, "x": 10.0, "y": 10.0})
	up := doJSON(handler, http.MethodPost, base+"/gesture/up", map[string]any{"x": 210.0, "y": 60.0})
	body := decodeBody(t, up)
	if body["committed"] != false || body["draft"] != true {
		t.Fatalf("pointer up = %v, want open draft", body)
	}

	commit := doJSON(handler, http.MethodPost, base+"/text", map[string]any{"text": "approved"})
	if commit.Code != http.StatusOK {
		t.Fatalf("commit status = %d", commit.Code)
	}
	if session.Annotations.Count(1) != 1 {
		t.Fatalf("annotation count = %d, want 1", session.Annotations.Count(1))
	}

	again := doJSON(handler, http.MethodPost, base+"/text", map[string]any{"text": "again"})
	if again.Code != http.StatusConflict {
		t.Errorf("second commit status = %d, want 409", again.Code)
	}
}

func TestReplaceAnnotationsRoute(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	wire := []map[string]any{
		{"kind": "highlight", "data": map[string]any{"x": 5, "y": 5, "width": 40, "height": 12, "opacity": 0.35}},
		{"kind": "redaction", "data": map[string]any{"x": 20, "y": 40, "width": 60, "height": 18}},
	}
	rec := doJSON(handler, http.MethodPut, base+"/page/1/annotations", wire)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["count"].(float64); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}
	if session.Annotations.Count(1) != 2 {
		t.Fatalf("store count = %d, want 2", session.Annotations.Count(1))
	}

	// the swap is one undoable step
	doJSON(handler, http.MethodPost, base+"/page/1/undo", nil)
	if session.Annotations.Count(1) != 0 {
		t.Error("undo did not revert the replace")
	}

	bad := doJSON(handler, http.MethodPut, base+"/page/1/annotations",
		[]map[string]any{{"kind": "scribble", "data": map[string]any{}}})
	if bad.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", bad.Code)
	}
}

func TestUndoRedoRoutes(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	doJSON(handler, http.MethodPost, base+"/tool", map[string]any{"tool": "redaction"})
	doJSON(handler, http.MethodPost, base+"/gesture/down", map[string]any{"page": 1, "x": 5.0, "y": 5.0})
	doJSON(handler, http.MethodPost, base+"/gesture/up", map[string]any{"x": 50.0, "y": 50.0})

	undo := doJSON(handler, http.MethodPost, base+"/page/1/undo", nil)
	if got := decodeBody(t, undo); got["applied"] != true || got["canRedo"] != true {
		t.Fatalf("undo = %v", got)
	}
	if session.Annotations.Count(1) != 0 {
		t.Fatal("undo did not clear the page")
	}
	redo := doJSON(handler, http.MethodPost, base+"/page/1/redo", nil)
	if got := decodeBody(t, redo); got["applied"] != true {
		t.Fatalf("redo = %v", got)
	}
	if session.Annotations.Count(1) != 1 {
		t.Fatal("redo did not restore the annotation")
	}
}

func TestRotateRoute(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	for _, want := range []float64{90, 180, 270, 0} {
		rec := doJSON(handler, http.MethodPost, base+"/page/1/rotate", nil)
		if got := decodeBody(t, rec)["rotation"].(float64); got != want {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestExportSelected(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 5})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	for _, page := range []int{3, 1} {
		if err := handler.CapturePage(session, page); err != nil {
			t.Fatalf("capture page %d: %v", page, err)
		}
	}

	rec := doJSON(handler, http.MethodPost, base+"/export", map[string]any{"prefix": "minutes"})
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d, body %s", rec.Code, rec.Body.String())
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	want := []string{"page-001.png", "page-003.png"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Fatalf("archive entries = %v, want %v", names, want)
	}
}

func TestExportSelected_NoSelection(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 3})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	if err := handler.CapturePage(session, 1); err != nil {
		t.Fatalf("capture: %v", err)
	}
	session.Machine.DeselectAll()

	rec := doJSON(handler, http.MethodPost, base+"/export", map[string]any{"prefix": "minutes"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if msg := decodeBody(t, rec)["error"]; msg != "no pages selected for export" {
		t.Errorf("error = %v", msg)
	}
}

func TestExportSelected_MissingPrefix(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 3})
	session := newTestSession(t, handler)

	// empty out the stored default prefix so nothing can fill the blank
	settings := handler.DB.FetchExportSettings()
	settings.FilenamePrefix = "   "
	if err := handler.DB.SaveExportSettings(settings); err != nil {
		t.Fatalf("saving settings: %v", err)
	}
	if err := handler.CapturePage(session, 1); err != nil {
		t.Fatalf("capture: %v", err)
	}

	rec := doJSON(handler, http.MethodPost, "/api/session/"+session.ID+"/export", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExportRanges(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 6})
	session := newTestSession(t, handler)
	base := "/api/session/" + session.ID

	rec := doJSON(handler, http.MethodPost, base+"/export/ranges", map[string]any{
		"prefix": "scan",
		"ranges": []map[string]string{{"start": "2", "end": "3"}, {"start": "3", "end": "4"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if len(zr.File) != 3 {
		t.Fatalf("archive has %d entries, want 3 (merged 2-4)", len(zr.File))
	}
}

func TestExportRanges_Invalid(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 4})
	session := newTestSession(t, handler)

	rec := doJSON(handler, http.MethodPost, "/api/session/"+session.ID+"/export/ranges", map[string]any{
		"prefix": "scan",
		"ranges": []map[string]string{{"start": "2", "end": "9"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if msg := decodeBody(t, rec)["error"].(string); !strings.Contains(msg, "beyond the last page") {
		t.Errorf("error = %q", msg)
	}
}

func TestRenderBatchCancellation(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 4})
	session := newTestSession(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := handler.renderBatch(ctx, session, []int{1, 2, 3}, "png", 0.92)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSettingsRoutes(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 1})

	rec := doJSON(handler, http.MethodPut, "/api/settings/export", map[string]any{
		"filenamePrefix": "board", "format": "jpeg", "quality": 0.99, "autoCapture": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d, body %s", rec.Code, rec.Body.String())
	}
	if q := decodeBody(t, rec)["quality"].(float64); q != 0.95 {
		t.Errorf("quality = %v, want clamped 0.95", q)
	}

	rec = doJSON(handler, http.MethodGet, "/api/settings/export", nil)
	got := decodeBody(t, rec)
	if got["filenamePrefix"] != "board" || got["format"] != "jpeg" {
		t.Errorf("fetched settings = %v", got)
	}

	bad := doJSON(handler, http.MethodPut, "/api/settings/export", map[string]any{
		"filenamePrefix": "x", "format": "bmp",
	})
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad format status = %d, want 400", bad.Code)
	}
}

func TestSignatureRoutes(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2})
	session := newTestSession(t, handler)

	rec := doJSON(handler, http.MethodPut, "/api/settings/signature", map[string]any{
		"imageDataUrl": "data:image/png;base64,aGVsbG8=",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("save status = %d", rec.Code)
	}

	// placement without an inline image falls back to the stored one
	place := doJSON(handler, http.MethodPost, "/api/session/"+session.ID+"/signature", map[string]any{
		"page": 1, "x": 10.0, "y": 10.0, "w": 80.0, "h": 30.0,
	})
	if place.Code != http.StatusOK {
		t.Fatalf("place status = %d, body %s", place.Code, place.Body.String())
	}
	if session.Annotations.Count(1) != 1 {
		t.Fatal("signature not appended")
	}
}

func TestCloseSessionReleasesResources(t *testing.T) {
	renderer := &fakeRenderer{pages: 2}
	handler := newTestHandler(t, renderer)
	session, err := handler.CreateSession([]byte("%PDF-fake"), "")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if err := handler.CapturePage(session, 1); err != nil {
		t.Fatalf("capture: %v", err)
	}
	thumbPath := session.Machine.Captured(1).Thumbnail.Path()

	rec := doJSON(handler, http.MethodDelete, "/api/session/"+session.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close status = %d", rec.Code)
	}
	if !renderer.lastDoc.closed {
		t.Error("document not closed")
	}
	if _, err := os.Stat(thumbPath); !os.IsNotExist(err) {
		t.Error("thumbnail file survived session close")
	}
	if _, err := handler.Session(session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("session still resolvable after close")
	}
}

// Closing a session while a capture is rendering must wait the capture out:
// the document is only closed once the pipeline is done, and the capture's
// result does not survive into the torn-down machine.
func TestCloseSessionWaitsForInFlightCapture(t *testing.T) {
	renderer := &fakeRenderer{pages: 2}
	handler := newTestHandler(t, renderer)
	session, err := handler.CreateSession([]byte("%PDF-fake"), "")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	doc := renderer.lastDoc
	doc.renderStarted = make(chan struct{}, 1)
	doc.renderBlock = make(chan struct{})

	captureErr := make(chan error, 1)
	go func() { captureErr <- handler.CapturePage(session, 1) }()
	<-doc.renderStarted

	closeDone := make(chan struct{})
	go func() {
		handler.CloseSession(session.ID)
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("teardown finished while a render was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(doc.renderBlock)
	if err := <-captureErr; err != nil {
		t.Fatalf("capture: %v", err)
	}
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown never finished")
	}

	if !doc.closed {
		t.Error("document not closed")
	}
	if pages := session.Machine.CapturedPages(); len(pages) != 0 {
		t.Errorf("captures survived teardown: %v", pages)
	}
	if _, err := os.Stat(handler.sessionWorkDir(session.ID)); !os.IsNotExist(err) {
		t.Error("session work dir recreated after teardown")
	}
	if err := handler.CapturePage(session, 2); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("capture after close = %v, want ErrSessionClosed", err)
	}
}

func TestSweepSessions(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 2})
	session, err := handler.CreateSession([]byte("%PDF-fake"), "")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	session.mu.Lock()
	session.lastUsed = time.Now().Add(-2 * handler.ServerConfig.SessionTTL)
	session.mu.Unlock()

	handler.sweepSessions()

	if _, err := handler.Session(session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("idle session survived the sweep")
	}
}

func TestCleanExports(t *testing.T) {
	handler := newTestHandler(t, &fakeRenderer{pages: 1})

	old := filepath.Join(handler.ServerConfig.ExportDir, "stale.zip")
	fresh := filepath.Join(handler.ServerConfig.ExportDir, "fresh.zip")
	for _, path := range []string{old, fresh} {
		if err := os.WriteFile(path, []byte("zip"), 0644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	past := time.Now().Add(-2 * handler.ServerConfig.SessionTTL)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("aging archive: %v", err)
	}

	handler.cleanExports()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale archive survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh archive removed")
	}
}
