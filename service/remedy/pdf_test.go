package remedy

import (
	"bytes"
	"os"
	"testing"

	"github.com/lib/pq"
	"github.com/shantivan/ashram-server/cmd/models"
)

func TestRenderRemedyPDF(t *testing.T) {
	doc := &models.RemedyDocument{
		Number:       "test-123",
		TemplateName: "Tulsi Regimen",
		Items:        pq.StringArray{"Tulsi tea every morning", "Japa with 108 beads"},
		Instructions: "Begin before sunrise on a Monday",
		DurationDays: 21,
		CustomNotes:  "Return after three weeks",
	}

	data, err := renderRemedyPDF("Shanti Van Ashram", doc, "Asha Devi", "Guruji Ramdas")
	if err != nil {
		t.Fatalf("failed to render PDF: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatal("expected output to start with the PDF magic bytes")
	}
	if len(data) < 500 {
		t.Fatalf("PDF suspiciously small: %d bytes", len(data))
	}
}

func TestRenderRemedyPDFMinimalDocument(t *testing.T) {
	doc := &models.RemedyDocument{
		Number:       "bare-1",
		TemplateName: "Simple Blessing",
		Items:        pq.StringArray{"Offer water to the rising sun"},
	}

	data, err := renderRemedyPDF("Shanti Van Ashram", doc, "Visitor", "")
	if err != nil {
		t.Fatalf("failed to render PDF without optional sections: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatal("expected output to start with the PDF magic bytes")
	}
}

func TestSaveRemedyPDF(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to read working directory: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("failed to enter temp directory: %v", err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	path, err := saveRemedyPDF([]byte("%PDF-test"), "save-1")
	if err != nil {
		t.Fatalf("failed to save PDF: %v", err)
	}
	stored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back stored PDF: %v", err)
	}
	if string(stored) != "%PDF-test" {
		t.Errorf("stored bytes do not match, got %q", stored)
	}
}
