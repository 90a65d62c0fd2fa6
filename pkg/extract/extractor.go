package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"examforge/pkg/domain"
)

var (
	// ErrUnsupportedKind reports a file format the gateway cannot handle.
	ErrUnsupportedKind = errors.New("unsupported file kind")
	// ErrExtractionFailed reports that every strategy for a supported
	// format failed or produced no text.
	ErrExtractionFailed = errors.New("extraction failed")
)

// Config holds extraction knobs.
type Config struct {
	// OCRCommand is the executable used for image OCR, e.g. "tesseract".
	// Empty disables image extraction.
	OCRCommand        string
	OCRTimeoutSeconds int
}

// Extractor turns uploaded document bytes into raw text. Each supported
// format tries its strategies in order; the first non-empty text wins.
type Extractor struct {
	ocrCommand string
	ocrTimeout time.Duration
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	timeout := time.Duration(cfg.OCRTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Extractor{
		ocrCommand: strings.TrimSpace(cfg.OCRCommand),
		ocrTimeout: timeout,
	}
}

// Extract reads the file at path and returns its text content.
func (e *Extractor) Extract(ctx context.Context, path string, kind domain.FileKind) (string, error) {
	switch kind {
	case domain.KindPDF:
		return e.extractPDF(path)
	case domain.KindDOCX:
		return extractDOCX(path)
	case domain.KindJPG, domain.KindJPEG, domain.KindPNG:
		return e.extractImage(ctx, path)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

func (e *Extractor) extractPDF(path string) (string, error) {
	// Text-layer reader first; pdftotext handles the PDFs it chokes on.
	text, libErr := extractPDFTextLayer(path)
	if libErr == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if libErr != nil {
		slog.Warn("pdf text layer extraction failed, trying pdftotext", "err", libErr)
	}
	text, toolErr := extractPDFWithPdftotext(path)
	if toolErr == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	return "", fmt.Errorf("%w: pdf: %v", ErrExtractionFailed, errors.Join(libErr, toolErr))
}

func extractPDFTextLayer(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	totalPages := reader.NumPage()
	var parts []string
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return normalizeTextPreserveNewlines(strings.Join(parts, "\n\n")), nil
}

// extractPDFWithPdftotext uses the system pdftotext tool (poppler-utils).
func extractPDFWithPdftotext(path string) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found: %w", err)
	}
	cmd := exec.Command("pdftotext", "-layout", "-enc", "UTF-8", path, "-")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	return normalizeTextPreserveNewlines(string(output)), nil
}

func extractDOCX(path string) (string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("%w: open docx: %v", ErrExtractionFailed, err)
	}
	defer reader.Close()
	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("%w: read docx: %v", ErrExtractionFailed, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("%w: read docx content: %v", ErrExtractionFailed, err)
		}
		doc, err := html.Parse(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("%w: parse docx xml: %v", ErrExtractionFailed, err)
		}
		return normalizeTextPreserveNewlines(wordMLText(doc)), nil
	}
	return "", fmt.Errorf("%w: docx has no word/document.xml", ErrExtractionFailed)
}

func (e *Extractor) extractImage(ctx context.Context, path string) (string, error) {
	if e.ocrCommand == "" {
		return "", fmt.Errorf("%w: image OCR command not configured", ErrExtractionFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, e.ocrTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, e.ocrCommand, path, "stdout")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: ocr: %v", ErrExtractionFailed, err)
	}
	return normalizeTextPreserveNewlines(string(output)), nil
}

// wordMLText walks parsed WordprocessingML and collects text runs, with one
// line break per paragraph (w:p) element.
func wordMLText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			buf.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "w:p" || node.Data == "w:br") {
			buf.WriteString("\n")
		}
	}
	walk(n)
	return buf.String()
}

func normalizeTextPreserveNewlines(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteRune(r)
		case r == '\ufeff' || r == '\u200b' || r == '\u2060' || r == '\u00ad':
			// zero-width characters and soft hyphens carry no text
		case r == ' ' || r == '\t':
			b.WriteRune(' ')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
