package remedy

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jung-kurt/gofpdf"
	"github.com/shantivan/ashram-server/cmd/models"
	"gopkg.in/gomail.v2"
)

const remedyPDFPath = "uploads/remedies"

// renderRemedyPDF lays out the issued remedy as an A4 document the
// visitor can keep or print.
func renderRemedyPDF(ashramName string, doc *models.RemedyDocument, visitorName, gurujiName string) ([]byte, error) {
    pdf := gofpdf.New("P", "mm", "A4", "")
    pdf.SetMargins(10, 10, 10)
    pdf.AddPage()

    pdf.SetFont("Arial", "B", 16)
    pdf.SetTextColor(153, 76, 0)
    pdf.CellFormat(0, 10, ashramName, "", 1, "C", false, 0, "")

    pdf.SetFont("Arial", "", 10)
    pdf.SetTextColor(0, 0, 0)
    pdf.CellFormat(0, 7, "Remedy Prescription", "", 1, "C", false, 0, "")

    pdf.SetFont("Arial", "B", 12)
    pdf.CellFormat(0, 10, "Details", "1", 1, "C", false, 0, "")
    addDetail(pdf, "Number", doc.Number)
    addDetail(pdf, "Date", doc.CreatedAt.Format("02 Jan 2006"))
    addDetail(pdf, "Visitor", visitorName)
    addDetail(pdf, "Guruji", gurujiName)
    addDetail(pdf, "Remedy", doc.TemplateName)
    if doc.DurationDays > 0 {
        addDetail(pdf, "Duration", fmt.Sprintf("%d days", doc.DurationDays))
    }

    pdf.SetFont("Arial", "B", 12)
    pdf.CellFormat(0, 10, "Items", "1", 1, "C", false, 0, "")
    pdf.SetFont("Arial", "", 10)
    for i, item := range doc.Items {
        pdf.MultiCell(0, 7, fmt.Sprintf("%d. %s", i+1, item), "1", "L", false)
    }

    if doc.Instructions != "" {
        pdf.SetFont("Arial", "B", 12)
        pdf.CellFormat(0, 10, "Instructions", "1", 1, "C", false, 0, "")
        pdf.SetFont("Arial", "", 10)
        pdf.MultiCell(0, 7, doc.Instructions, "1", "L", false)
    }

    if doc.CustomNotes != "" {
        pdf.SetFont("Arial", "B", 12)
        pdf.CellFormat(0, 10, "Notes", "1", 1, "C", false, 0, "")
        pdf.SetFont("Arial", "", 10)
        pdf.MultiCell(0, 7, doc.CustomNotes, "1", "L", false)
    }

    pdf.SetY(pdf.GetY() + 12)
    pdf.SetFont("Arial", "", 9)
    pdf.CellFormat(0, 10, "This is a computer generated document", "", 1, "R", false, 0, "")

    var buffer bytes.Buffer
    if err := pdf.Output(&buffer); err != nil {
        return nil, err
    }
    return buffer.Bytes(), nil
}

// addDetail adds a label and value row to the PDF
func addDetail(pdf *gofpdf.Fpdf, label, value string) {
    pdf.SetFont("Arial", "B", 10)
    pdf.CellFormat(45, 8, label, "1", 0, "", false, 0, "")
    pdf.SetFont("Arial", "", 10)
    pdf.CellFormat(0, 8, value, "1", 1, "", false, 0, "")
}

// saveRemedyPDF writes the rendered bytes under uploads/remedies and
// returns the stored path.
func saveRemedyPDF(data []byte, number string) (string, error) {
    if err := os.MkdirAll(remedyPDFPath, 0755); err != nil {
        return "", fmt.Errorf("failed to create remedies directory: %v", err)
    }
    path := filepath.Join(remedyPDFPath, fmt.Sprintf("remedy-%s.pdf", number))
    if err := os.WriteFile(path, data, 0644); err != nil {
        return "", fmt.Errorf("failed to write PDF: %v", err)
    }
    return path, nil
}

// emailRemedy mails the prescription to the visitor with the PDF
// attached.
func emailRemedy(recipient, visitorName string, doc *models.RemedyDocument, pdfData []byte) error {
    smtpHost := os.Getenv("SMTP_HOST")
    smtpPort := os.Getenv("SMTP_PORT")
    smtpUser := os.Getenv("SMTP_USER")
    smtpPass := os.Getenv("SMTP_PASS")

    m := gomail.NewMessage()
    m.SetHeader("From", smtpUser)
    m.SetHeader("To", recipient)
    m.SetHeader("Subject", "Your remedy prescription")
    m.SetBody("text/plain", fmt.Sprintf(
        "Namaste %s,\n\nPlease find your remedy prescription %s attached.\n\nWith blessings", visitorName, doc.Number))

    m.Attach(fmt.Sprintf("remedy-%s.pdf", doc.Number), gomail.SetCopyFunc(func(w io.Writer) error {
        _, err := w.Write(pdfData)
        return err
    }))

    port, err := strconv.Atoi(smtpPort)
    if err != nil {
        return fmt.Errorf("invalid SMTP port: %v", err)
    }
    d := gomail.NewDialer(smtpHost, port, smtpUser, smtpPass)
    return d.DialAndSend(m)
}
