package engine

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/drummonds/goPageSnap/compositor"
	"github.com/drummonds/goPageSnap/pagerange"
)

// ExportEntry is one page's encoded image headed into an archive.
type ExportEntry struct {
	Page   int
	Image  []byte
	Format string
}

// exportFilename names one page inside an archive, zero-padded so archive
// listings sort in page order.
func exportFilename(page int, format string) string {
	ext := "png"
	if format == "jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("page-%03d.%s", page, ext)
}

// writeArchive writes the entries into a zip file at path.
func writeArchive(path string, entries []ExportEntry) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, entry := range entries {
		w, err := zw.Create(exportFilename(entry.Page, entry.Format))
		if err != nil {
			return fmt.Errorf("unable to add page %d to archive: %w", entry.Page, err)
		}
		if _, err := w.Write(entry.Image); err != nil {
			return fmt.Errorf("unable to write page %d to archive: %w", entry.Page, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("unable to finish archive: %w", err)
	}
	return out.Close()
}

// assembleSelected gathers the selected captured pages in page order.
func assembleSelected(session *Session) []ExportEntry {
	var entries []ExportEntry
	for _, page := range session.Machine.Selected() {
		captured := session.Machine.Captured(page)
		if captured == nil {
			continue
		}
		entries = append(entries, ExportEntry{Page: page, Image: captured.Image, Format: captured.Format})
	}
	return entries
}

type exportRequest struct {
	Prefix  string  `json:"prefix"`
	Format  string  `json:"format"`
	Quality float64 `json:"quality"`
}

// resolveExportOptions fills blanks in the request from stored settings.
func (serverHandler *ServerHandler) resolveExportOptions(req exportRequest) (exportRequest, error) {
	settings := serverHandler.DB.FetchExportSettings()
	if req.Prefix == "" {
		req.Prefix = settings.FilenamePrefix
	}
	if req.Format == "" {
		req.Format = settings.Format
	}
	if req.Quality == 0 {
		req.Quality = settings.Quality
	}
	req.Prefix = strings.TrimSpace(req.Prefix)
	if req.Prefix == "" {
		return req, errors.New("a filename prefix is required")
	}
	if req.Format != "png" && req.Format != "jpeg" {
		return req, errors.New("format must be png or jpeg")
	}
	return req, nil
}

func (serverHandler *ServerHandler) archivePath(prefix string) (path, name string) {
	name = fmt.Sprintf("%s-%s.zip", prefix, ulid.Make().String())
	return filepath.Join(serverHandler.ServerConfig.ExportDir, name), prefix + ".zip"
}

// ExportSelectedHandler bundles the selected captured pages into a zip
// archive and serves it as a download.
func (serverHandler *ServerHandler) ExportSelectedHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req exportRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	req, err = serverHandler.resolveExportOptions(req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	entries := assembleSelected(session)
	if len(entries) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no pages selected for export"})
	}

	path, downloadName := serverHandler.archivePath(req.Prefix)
	if err := writeArchive(path, entries); err != nil {
		Logger.Error("Export failed", "session", session.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "unable to write archive"})
	}
	Logger.Info("Export written", "session", session.ID, "pages", len(entries), "archive", path)
	return c.Attachment(path, downloadName)
}

type rangeExportRequest struct {
	exportRequest
	Ranges []struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"ranges"`
}

// ExportRangesHandler renders and archives whole page ranges in one batch,
// independent of capture state. Annotations and rotation still apply.
// Closing the connection cancels the batch; a canceled batch is reported as
// its own outcome, not as a failure.
func (serverHandler *ServerHandler) ExportRangesHandler(c echo.Context) error {
	session, err := serverHandler.sessionFromContext(c)
	if err != nil {
		return err
	}
	var req rangeExportRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	req.exportRequest, err = serverHandler.resolveExportOptions(req.exportRequest)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if len(req.Ranges) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "at least one page range is required"})
	}

	ranges := make([]pagerange.Range, 0, len(req.Ranges))
	for _, r := range req.Ranges {
		rng := pagerange.NewRange()
		rng.Start = r.Start
		rng.End = r.End
		ranges = append(ranges, rng)
	}
	if err := pagerange.Validate(ranges, session.PageCount); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	pages := pagerange.Expand(ranges)

	entries, err := serverHandler.renderBatch(c.Request().Context(), session, pages, req.Format, req.Quality)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			Logger.Info("Range export canceled", "session", session.ID)
			return c.JSON(http.StatusOK, echo.Map{"status": "canceled"})
		}
		Logger.Error("Range export failed", "session", session.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	path, downloadName := serverHandler.archivePath(req.Prefix)
	if err := writeArchive(path, entries); err != nil {
		Logger.Error("Range export failed", "session", session.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "unable to write archive"})
	}
	Logger.Info("Range export written", "session", session.ID, "pages", len(entries), "archive", path)
	return c.Attachment(path, downloadName)
}

// renderBatch renders each page in order, checking for cancellation between
// pages so an abandoned request stops promptly.
func (serverHandler *ServerHandler) renderBatch(ctx context.Context, session *Session, pages []int, format string, quality float64) ([]ExportEntry, error) {
	session.captureMu.Lock()
	defer session.captureMu.Unlock()
	if session.closed {
		return nil, ErrSessionClosed
	}

	opts := compositor.Options{
		Format:     format,
		Quality:    quality,
		ThumbMaxPx: serverHandler.ServerConfig.ThumbnailMaxPx,
	}
	entries := make([]ExportEntry, 0, len(pages))
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base, err := session.doc.RenderPage(page, serverHandler.ServerConfig.CaptureScale)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		rotated := compositor.Rotate(base, session.Annotations.Rotation(page))
		result, err := compositor.Capture(rotated, session.Annotations.List(page), opts)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		entries = append(entries, ExportEntry{Page: page, Image: result.Image, Format: result.Format})
	}
	return entries, nil
}

// cleanExports removes archives older than the session TTL.
func (serverHandler *ServerHandler) cleanExports() {
	cutoff := time.Now().Add(-serverHandler.ServerConfig.SessionTTL)
	dirEntries, err := os.ReadDir(serverHandler.ServerConfig.ExportDir)
	if err != nil {
		Logger.Warn("Unable to scan export directory", "error", err)
		return
	}
	for _, entry := range dirEntries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(serverHandler.ServerConfig.ExportDir, entry.Name())
		if err := os.Remove(path); err != nil {
			Logger.Warn("Unable to remove old archive", "path", path, "error", err)
			continue
		}
		Logger.Info("Removed old archive", "path", path)
	}
}
