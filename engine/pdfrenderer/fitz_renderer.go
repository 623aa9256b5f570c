package pdfrenderer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
)

// FitzRenderer implements PDF rendering using go-fitz (requires CGo and MuPDF)
type FitzRenderer struct {
}

// NewFitzRenderer creates a new Fitz-based PDF renderer
func NewFitzRenderer() *FitzRenderer {
	return &FitzRenderer{}
}

// Open preflights the document, then hands the bytes to MuPDF. The preflight
// catches encrypted and structurally broken files with a clear error before
// any render state exists.
func (r *FitzRenderer) Open(data []byte, password string) (Document, error) {
	if err := preflight(data, password); err != nil {
		return nil, err
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}
	return &fitzDocument{doc: doc}, nil
}

// preflight parses the document structure without rendering anything.
func preflight(data []byte, password string) error {
	reader := bytes.NewReader(data)
	_, err := pdf.NewReaderEncrypted(reader, int64(len(data)), func() string { return password })
	if err == nil {
		return nil
	}
	if errors.Is(err, pdf.ErrInvalidPassword) || strings.Contains(err.Error(), "password") {
		return ErrPasswordRequired
	}
	return fmt.Errorf("corrupt or unreadable PDF: %w", err)
}

type fitzDocument struct {
	doc *fitz.Document
}

// PageCount returns the number of pages
func (d *fitzDocument) PageCount() int {
	return d.doc.NumPage()
}

// RenderPage renders one page at the given scale using go-fitz. Pages are
// 1-based at this boundary, 0-based inside fitz.
func (d *fitzDocument) RenderPage(pageNumber int, scale float64) (image.Image, error) {
	if pageNumber < 1 || pageNumber > d.doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range (document has %d pages)", pageNumber, d.doc.NumPage())
	}
	if scale <= 0 {
		scale = 1.0
	}
	img, err := d.doc.ImageDPI(pageNumber-1, 72*scale)
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", pageNumber, err)
	}
	return img, nil
}

// Close cleans up the MuPDF document
func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
