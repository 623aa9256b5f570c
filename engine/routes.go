package engine

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/drummonds/goPageSnap/annotate"
	"github.com/drummonds/goPageSnap/capture"
	"github.com/drummonds/goPageSnap/config"
	"github.com/drummonds/goPageSnap/database"
	"github.com/drummonds/goPageSnap/engine/pdfrenderer"
)

// RegisterRoutes attaches every API route to the echo instance.
func (serverHandler *ServerHandler) RegisterRoutes() {
	e := serverHandler.Echo

	e.POST("/api/document", serverHandler.UploadDocumentHandler)
	e.DELETE("/api/session/:id", serverHandler.CloseSessionHandler)
	e.GET("/api/session/:id", serverHandler.SessionStatusHandler)
	e.POST("/api/session/:id/visibility", serverHandler.VisibilityHandler)
	e.POST("/api/session/:id/autocapture", serverHandler.AutoCaptureHandler)

	e.POST("/api/session/:id/tool", serverHandler.SelectToolHandler)
	e.POST("/api/session/:id/gesture/down", serverHandler.PointerDownHandler)
	e.POST("/api/session/:id/gesture/move", serverHandler.PointerMoveHandler)
	e.POST("/api/session/:id/gesture/up", serverHandler.PointerUpHandler)
	e.POST("/api/session/:id/text", serverHandler.CommitTextHandler)
	e.DELETE("/api/session/:id/draft", serverHandler.CancelDraftHandler)
	e.POST("/api/session/:id/signature", serverHandler.PlaceSignatureHandler)

	e.GET("/api/session/:id/page/:page/annotations", serverHandler.ListAnnotationsHandler)
	e.PUT("/api/session/:id/page/:page/annotations", serverHandler.ReplaceAnnotationsHandler)
	e.DELETE("/api/session/:id/page/:page/annotations/last", serverHandler.EraseLastHandler)
	e.POST("/api/session/:id/page/:page/undo", serverHandler.UndoAnnotationHandler)
	e.POST("/api/session/:id/page/:page/redo", serverHandler.RedoAnnotationHandler)
	e.POST("/api/session/:id/page/:page/rotate", serverHandler.RotatePageHandler)

	e.POST("/api/session/:id/page/:page/capture", serverHandler.CapturePageHandler)
	e.DELETE("/api/session/:id/page/:page/capture", serverHandler.UndoCaptureHandler)
	e.GET("/api/session/:id/page/:page/thumbnail", serverHandler.ThumbnailHandler)
	e.GET("/api/session/:id/page/:page/image", serverHandler.CapturedImageHandler)

	e.POST("/api/session/:id/selection", serverHandler.SelectionHandler)
	e.POST("/api/session/:id/export", serverHandler.ExportSelectedHandler)
	e.POST("/api/session/:id/export/ranges", serverHandler.ExportRangesHandler)

	e.GET("/api/settings/export", serverHandler.FetchExportSettingsHandler)
	e.PUT("/api/settings/export", serverHandler.SaveExportSettingsHandler)
	e.GET("/api/settings/signature", serverHandler.FetchSignatureHandler)
	e.PUT("/api/settings/signature", serverHandler.SaveSignatureHandler)
}

func (serverHandler *ServerHandler) sessionFromContext(c echo.Context) (*Session, error) {
	session, err := serverHandler.Session(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return session, nil
}

func pageParam(c echo.Context) (int, error) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid page number")
	}
	return page, nil
}

// UploadDocumentHandler receives a PDF upload and opens a review session.
func (serverHandler *ServerHandler) UploadDocumentHandler(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing file upload"})
	}
	file, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unable to read upload"})
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unable to read upload"})
	}

	session, err := serverHandler.CreateSession(data, c.FormValue("password"))
	if err != nil {
		if errors.Is(err, pdfrenderer.ErrPasswordRequired) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password required"})
		}
		Logger.Warn("Document rejected", "filename", fileHeader.Filename, "error", err)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"sessionID": session.ID,
		"pageCount": session.PageCount,
	})
}

// CloseSessionHandler ends a session and frees its resources.
func (serverHandler *ServerHandler) CloseSessionHandler(c echo.Context) error {
	if err := serverHandler.CloseSession(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// SessionStatusHandler reports the state the viewer needs to render its rail:
// per-page capture status, selection, and the active page.
func (serverHandler *ServerHandler) SessionStatusHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	statuses := make(map[string]string)
	for _, page := range session.Machine.CapturedPages() {
		statuses[strconv.Itoa(page)] = session.Machine.Status(page).String()
	}
	return c.JSON(http.StatusOK, echo.Map{
		"pageCount":   session.PageCount,
		"activePage":  session.ActivePage(),
		"autoCapture": session.AutoCaptureEnabled(),
		"statuses":    statuses,
		"selected":    session.Machine.Selected(),
	})
}

type visibilityRequest struct {
	Ratios map[string]float64 `json:"ratios"`
}

// VisibilityHandler takes one visibility snapshot from the viewer and runs
// active-page detection plus the capture debounce on it.
func (serverHandler *ServerHandler) VisibilityHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req visibilityRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid visibility payload"})
	}
	ratios := make(map[int]float64, len(req.Ratios))
	for key, ratio := range req.Ratios {
		page, err := strconv.Atoi(key)
		if err != nil || page < 1 || page > session.PageCount {
			continue
		}
		ratios[page] = ratio
	}
	active := serverHandler.UpdateVisibility(session, ratios)
	return c.JSON(http.StatusOK, echo.Map{"activePage": active})
}

// AutoCaptureHandler toggles automatic capture for the session.
func (serverHandler *ServerHandler) AutoCaptureHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	session.SetAutoCapture(req.Enabled)
	return c.JSON(http.StatusOK, echo.Map{"autoCapture": req.Enabled})
}

// SelectToolHandler switches the annotation tool, optionally restyling the pen.
func (serverHandler *ServerHandler) SelectToolHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		Tool  string  `json:"tool"`
		Width float64 `json:"width"`
		Color string  `json:"color"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if err := session.Editor.SelectTool(annotate.Tool(req.Tool)); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if req.Width > 0 || req.Color != "" {
		session.Editor.SetPenStyle(req.Width, req.Color)
	}
	return c.JSON(http.StatusOK, echo.Map{"tool": req.Tool})
}

type pointerRequest struct {
	Page int     `json:"page"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// PointerDownHandler starts a gesture on a page.
func (serverHandler *ServerHandler) PointerDownHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req pointerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if req.Page < 1 || req.Page > session.PageCount {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "page out of range"})
	}
	erased, err := session.Editor.PointerDown(req.Page, req.X, req.Y)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"erased": erased})
}

// PointerMoveHandler extends the in-progress gesture.
func (serverHandler *ServerHandler) PointerMoveHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req pointerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if err := session.Editor.PointerMove(req.X, req.Y); err != nil {
		if errors.Is(err, annotate.ErrNoGesture) {
			return c.NoContent(http.StatusOK)
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}

// PointerUpHandler finishes the gesture. For the text tool this opens a
// draft awaiting CommitTextHandler rather than committing an annotation.
func (serverHandler *ServerHandler) PointerUpHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req pointerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	committed, err := session.Editor.PointerUp(req.X, req.Y)
	if err != nil {
		if errors.Is(err, annotate.ErrNoGesture) {
			return c.JSON(http.StatusOK, echo.Map{"committed": false})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if committed == nil {
		// Text tool: a draft is now open, or the drag was too small.
		return c.JSON(http.StatusOK, echo.Map{"committed": false, "draft": session.Editor.Tool() == annotate.ToolText})
	}
	return c.JSON(http.StatusOK, echo.Map{"committed": true})
}

// CommitTextHandler fills in the text for an open text-note draft.
func (serverHandler *ServerHandler) CommitTextHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	committed, err := session.Editor.CommitText(req.Text)
	if err != nil {
		if errors.Is(err, annotate.ErrNoDraft) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "no text note awaiting input"})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"committed": committed != nil})
}

// CancelDraftHandler discards any open draft or in-progress gesture.
func (serverHandler *ServerHandler) CancelDraftHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	session.Editor.CancelDraft()
	return c.NoContent(http.StatusNoContent)
}

// PlaceSignatureHandler stamps the signature image onto a page. When no
// image is supplied the stored signature from settings is used.
func (serverHandler *ServerHandler) PlaceSignatureHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		Page         int     `json:"page"`
		X            float64 `json:"x"`
		Y            float64 `json:"y"`
		W            float64 `json:"w"`
		H            float64 `json:"h"`
		ImageDataURL string  `json:"imageDataUrl"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if req.Page < 1 || req.Page > session.PageCount {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "page out of range"})
	}
	dataURL := req.ImageDataURL
	if dataURL == "" {
		dataURL = serverHandler.DB.FetchSignature()
	}
	if _, err := session.Editor.PlaceSignature(req.Page, req.X, req.Y, req.W, req.H, dataURL); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"committed": true})
}

// ListAnnotationsHandler returns a page's annotation list in wire form.
func (serverHandler *ServerHandler) ListAnnotationsHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	encoded, err := annotate.EncodeList(session.Annotations.List(page))
	if err != nil {
		Logger.Error("Error encoding annotations", "session", session.ID, "page", page, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "unable to encode annotations"})
	}
	return c.JSONBlob(http.StatusOK, encoded)
}

// ReplaceAnnotationsHandler restores a page's annotation list from wire
// form, e.g. a set the client saved earlier. The swap is one undoable step.
func (serverHandler *ServerHandler) ReplaceAnnotationsHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unable to read annotations"})
	}
	list, err := annotate.DecodeList(raw)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	session.Annotations.Replace(page, list)
	return c.JSON(http.StatusOK, echo.Map{"count": len(list)})
}

// EraseLastHandler removes the newest annotation on a page.
func (serverHandler *ServerHandler) EraseLastHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	removed := session.Annotations.RemoveLast(page)
	return c.JSON(http.StatusOK, echo.Map{"removed": removed})
}

// UndoAnnotationHandler steps a page's annotation history back once.
func (serverHandler *ServerHandler) UndoAnnotationHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"applied": session.Annotations.Undo(page),
		"canUndo": session.Annotations.CanUndo(page),
		"canRedo": session.Annotations.CanRedo(page),
	})
}

// RedoAnnotationHandler steps a page's annotation history forward once.
func (serverHandler *ServerHandler) RedoAnnotationHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"applied": session.Annotations.Redo(page),
		"canUndo": session.Annotations.CanUndo(page),
		"canRedo": session.Annotations.CanRedo(page),
	})
}

// RotatePageHandler advances a page's view rotation by 90 degrees clockwise.
func (serverHandler *ServerHandler) RotatePageHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"rotation": session.Annotations.Rotate(page)})
}

// CapturePageHandler captures (or recaptures) one page on demand.
func (serverHandler *ServerHandler) CapturePageHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	if err := serverHandler.CapturePage(session, page); err != nil {
		if errors.Is(err, capture.ErrCaptureInFlight) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "another capture is in progress"})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"page": page, "status": session.Machine.Status(page).String()})
}

// UndoCaptureHandler discards a captured page entirely.
func (serverHandler *ServerHandler) UndoCaptureHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	if err := session.Machine.Undo(page); err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

// ThumbnailHandler serves the thumbnail file for a captured page.
func (serverHandler *ServerHandler) ThumbnailHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	captured := session.Machine.Captured(page)
	if captured == nil || captured.Thumbnail == nil || captured.Thumbnail.Released() {
		return echo.NewHTTPError(http.StatusNotFound, "page not captured")
	}
	return c.File(captured.Thumbnail.Path())
}

// CapturedImageHandler serves the full flattened capture for a page.
func (serverHandler *ServerHandler) CapturedImageHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	captured := session.Machine.Captured(page)
	if captured == nil {
		return echo.NewHTTPError(http.StatusNotFound, "page not captured")
	}
	contentType := "image/png"
	if captured.Format == "jpeg" {
		contentType = "image/jpeg"
	}
	return c.Blob(http.StatusOK, contentType, captured.Image)
}

// SelectionHandler mutates which captured pages are marked for export.
func (serverHandler *ServerHandler) SelectionHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req struct {
		Op   string `json:"op"`
		Page int    `json:"page"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	switch req.Op {
	case "toggle":
		if err := session.Machine.ToggleSelect(req.Page); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
	case "selectAll":
		session.Machine.SelectAll()
	case "deselectAll":
		session.Machine.DeselectAll()
	case "removeSelected":
		session.Machine.RemoveSelected()
	case "clearAll":
		session.Machine.ClearAll()
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown selection op"})
	}
	return c.JSON(http.StatusOK, echo.Map{"selected": session.Machine.Selected()})
}

// FetchExportSettingsHandler returns the persisted export settings.
func (serverHandler *ServerHandler) FetchExportSettingsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, serverHandler.DB.FetchExportSettings())
}

// SaveExportSettingsHandler persists export settings, clamping quality.
func (serverHandler *ServerHandler) SaveExportSettingsHandler(c echo.Context) error {
	var settings database.ExportSettings
	if err := c.Bind(&settings); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if settings.Format != "png" && settings.Format != "jpeg" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "format must be png or jpeg"})
	}
	settings.Quality = config.ClampQuality(settings.Quality)
	if err := serverHandler.DB.SaveExportSettings(settings); err != nil {
		Logger.Error("Error saving export settings", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "unable to save settings"})
	}
	return c.JSON(http.StatusOK, settings)
}

// FetchSignatureHandler returns the stored signature image data URL.
func (serverHandler *ServerHandler) FetchSignatureHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"imageDataUrl": serverHandler.DB.FetchSignature()})
}

// SaveSignatureHandler stores the signature image for later placement.
func (serverHandler *ServerHandler) SaveSignatureHandler(c echo.Context) error {
	var req struct {
		ImageDataURL string `json:"imageDataUrl"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if req.ImageDataURL == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "signature image is required"})
	}
	if err := serverHandler.DB.SaveSignature(req.ImageDataURL); err != nil {
		Logger.Error("Error saving signature", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "unable to save signature"})
	}
	return c.NoContent(http.StatusNoContent)
}
