package extract

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"slices"
	"strings"
)

type Family string

const (
	FamilyWord        Family = "word"
	FamilyPDF         Family = "pdf"
	FamilyImage       Family = "image"
	FamilyUnsupported Family = "unsupported"
)

// WordManifest is the archive entry every genuine Word document carries.
const WordManifest = "word/document.xml"

var (
	wordExtensions  = []string{".docx", ".doc"}
	pdfExtensions   = []string{".pdf"}
	imageExtensions = []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".gif", ".bmp"}
)

var zipMagic = [][]byte{
	[]byte("PK\x03\x04"),
	[]byte("PK\x05\x06"), // empty archive
	[]byte("PK\x07\x08"), // spanned
}

type Classification struct {
	Family   Family
	Ext      string
	MIMEType string
	// Reason explains an unsupported verdict.
	Reason string
}

func (c Classification) Supported() bool { return c.Family != FamilyUnsupported }

// FamilyForExt maps a lowercased extension onto its strategy family.
func FamilyForExt(ext string) Family {
	ext = strings.ToLower(strings.TrimSpace(ext))
	switch {
	case slices.Contains(wordExtensions, ext):
		return FamilyWord
	case slices.Contains(pdfExtensions, ext):
		return FamilyPDF
	case slices.Contains(imageExtensions, ext):
		return FamilyImage
	default:
		return FamilyUnsupported
	}
}

// Classify decides which strategy may open path. For Word files it inspects the
// container structure without parsing the document.
func Classify(path, ext string) Classification {
	ext = strings.ToLower(strings.TrimSpace(ext))
	c := Classification{Family: FamilyForExt(ext), Ext: ext}
	if path != "" {
		c.MIMEType = sniffMIMEType(path)
	}

	switch c.Family {
	case FamilyUnsupported:
		c.Reason = "unsupported file format."
	case FamilyWord:
		c = inspectWord(path, c)
	}
	return c
}

func inspectWord(path string, c Classification) Classification {
	if !isZipFile(path) {
		c.Family = FamilyUnsupported
		if c.Ext == ".doc" {
			c.Reason = "legacy format not supported."
		} else {
			c.Reason = "not a valid word archive."
		}
		return c
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		c.Family = FamilyUnsupported
		c.Reason = "not a valid word archive."
		return c
	}
	defer zr.Close()

	for _, f := range zr.File {
		if strings.ToLower(f.Name) == WordManifest {
			return c
		}
	}

	c.Family = FamilyUnsupported
	c.Reason = "unsupported word archive structure."
	return c
}

func isZipFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	for _, magic := range zipMagic {
		if bytes.Equal(head, magic) {
			return true
		}
	}
	return false
}
