package documents

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"dealflow/agreement"
	"dealflow/deal"
	"dealflow/terms"
)

// AgreementLines is the text of the compensation agreement for version a of
// deal d.
func AgreementLines(d deal.Deal, a agreement.Agreement) []string {
	lines := []string{
		"COMPENSATION AGREEMENT",
		fmt.Sprintf("Agreement %s, version %d", a.ID, a.Version),
		fmt.Sprintf("Generated %s", a.CreatedAt.UTC().Format(time.RFC3339)),
		"",
		fmt.Sprintf("Property: %s, %s, %s %s", d.PropertyAddress, d.City, d.State, d.Zip),
		fmt.Sprintf("Price: %s", formatMinor(d.Price)),
		"",
		"EXHIBIT A - COMPENSATION TERMS",
		terms.Format(a.ExhibitATerms),
		"",
		"Investor signature: ______________________",
		"Agent signature:    ______________________",
	}
	return lines
}

// RenderAgreement produces a single-page PDF of the agreement.
func RenderAgreement(d deal.Deal, a agreement.Agreement) []byte {
	return renderPDF(AgreementLines(d, a))
}

func formatMinor(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// renderPDF lays lines out top to bottom in 11pt Helvetica on a US letter
// page.
func renderPDF(lines []string) []byte {
	var content bytes.Buffer
	content.WriteString("BT /F1 11 Tf 14 TL 72 720 Td\n")
	for _, l := range lines {
		fmt.Fprintf(&content, "(%s) Tj T*\n", pdfEscape(l))
	}
	content.WriteString("ET\n")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return out.Bytes()
}

var pdfEscaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)

func pdfEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			b.WriteByte('?')
			continue
		}
		b.WriteRune(r)
	}
	return pdfEscaper.Replace(b.String())
}
