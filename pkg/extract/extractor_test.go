package extract

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"examforge/pkg/domain"
)

func TestNormalizeTextPreserveNewlines(t *testing.T) {
	raw := "\ufeff  Title\u00a0\x00\t\nLine\u200b one\a\r\n\r\nSecond\u2060 line\u00ad"
	got := normalizeTextPreserveNewlines(raw)
	want := "Title\nLine one\n\nSecond line"
	if got != want {
		t.Fatalf("normalizeTextPreserveNewlines() = %q, want %q", got, want)
	}
}

func TestExtractUnsupportedKind(t *testing.T) {
	e := New(Config{})
	_, err := e.Extract(context.Background(), "somefile.xyz", domain.FileKind("xyz"))
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
}

func TestExtractImageWithoutOCRCommand(t *testing.T) {
	e := New(Config{})
	_, err := e.Extract(context.Background(), "scan.png", domain.KindPNG)
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("err = %v, want ErrExtractionFailed", err)
	}
}

func TestExtractDOCX(t *testing.T) {
	path := writeDOCX(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Q1. State Newton's first law.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Q2. Define momentum. </w:t><w:t>(2 marks)</w:t></w:r></w:p>
  </w:body>
</w:document>`)

	text, err := extractDOCX(path)
	if err != nil {
		t.Fatalf("extractDOCX: %v", err)
	}
	want := "Q1. State Newton's first law.\nQ2. Define momentum. (2 marks)"
	if text != want {
		t.Fatalf("extractDOCX = %q, want %q", text, want)
	}
}

func TestExtractDOCXMissingDocumentXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.docx")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(out)
	w, err := zw.Create("word/other.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte("<x/>")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := extractDOCX(path); !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("err = %v, want ErrExtractionFailed", err)
	}
}

func writeDOCX(t *testing.T, documentXML string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paper.docx")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(out)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}
