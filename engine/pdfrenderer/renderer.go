package pdfrenderer

import (
	"errors"
	"image"
)

// ErrPasswordRequired is returned when a document is encrypted and the given
// password (possibly empty) does not unlock it.
var ErrPasswordRequired = errors.New("document is password protected")

// Document is one open PDF. Implementations are not safe for concurrent
// renders; callers serialize page rendering through the capture lock.
type Document interface {
	// PageCount returns the number of pages
	PageCount() int

	// RenderPage renders a 1-based page to a pixel surface. scale is
	// relative to the PDF's 72dpi point space, so 2.0 renders at 144dpi.
	RenderPage(pageNumber int, scale float64) (image.Image, error)

	// Close releases the underlying document resources
	Close() error
}

// Renderer defines the interface for PDF to image conversion
type Renderer interface {
	// Open loads a document from memory. password may be empty.
	Open(data []byte, password string) (Document, error)
}

// NewRenderer creates the default Fitz-based PDF renderer
func NewRenderer() Renderer {
	return NewFitzRenderer()
}
