package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-pdf/fpdf"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const (
	pageMargin          = 50.0
	footerReserve       = 70.0
	evidenceWidth       = 240.0
	evidenceHeight      = 180.0
	evidenceGap         = 20.0
	evidencePerRow      = 2
	MaxEvidenceImages   = 4
	signatureWidth      = 200.0
	signatureHeight     = 80.0
	reviewerSignatureX  = 80.0
	custodianSignatureX = 320.0
	labelWidth          = 150.0

	ReviewerRoleLabel  = "Profesional Especializado en Logística"
	CustodianRoleLabel = "Custodio del Activo"
)

const (
	reviewerDeclaration  = "El profesional de logística certifica que realizó la revisión física del activo y que la información registrada corresponde al estado real del mismo al momento de la inspección."
	custodianDeclaration = "El custodio certifica que la información registrada es veraz y acepta la responsabilidad sobre el activo a su cargo en el estado descrito."
)

var ErrSignatureImageUnavailable = errors.New("signature image unavailable")

// BlobFetcher downloads the bytes behind a stored blob URL.
type BlobFetcher func(ctx context.Context, url string) ([]byte, error)

// ActaBranding is the institution identity printed in the acta header and footer.
type ActaBranding struct {
	InstitutionName string
	Nit             string
	Department      string
	LogoPath        string
	FooterNote      string
}

func DefaultActaBranding() ActaBranding {
	b := ActaBranding{
		InstitutionName: "SERVICIUDAD ESP",
		Nit:             "NIT: 816.001.609-1",
		Department:      "Dirección de Activos Fijos",
		LogoPath:        os.Getenv("ACTA_LOGO_PATH"),
	}
	if v := strings.TrimSpace(os.Getenv("ACTA_INSTITUTION_NAME")); v != "" {
		b.InstitutionName = v
	}
	if v := strings.TrimSpace(os.Getenv("ACTA_INSTITUTION_NIT")); v != "" {
		b.Nit = v
	}
	if v := strings.TrimSpace(os.Getenv("ACTA_DEPARTMENT")); v != "" {
		b.Department = v
	}
	b.FooterNote = "Documento generado automáticamente por el Sistema de Activos Fijos - " + b.InstitutionName
	return b
}

// EvidenceSlot is where one evidence photo landed in the grid.
type EvidenceSlot struct {
	EvidenceId  string
	Row         int
	Column      int
	Placeholder bool
}

type RenderedActa struct {
	PDF           []byte
	Pages         int
	EvidenceSlots []EvidenceSlot
}

type preparedImage struct {
	data   []byte
	kind   string
	width  float64
	height float64
}

type actaWriter struct {
	pdf      *fpdf.Fpdf
	encoder  *encoding.Encoder
	pageW    float64
	pageH    float64
	branding ActaBranding
}

// RenderActa lays out the signed acta of an inspection. Signature images are
// required; an evidence photo that cannot be fetched is drawn as a placeholder.
func RenderActa(ctx context.Context, documentNumber string, insp *models.Inspection, fetch BlobFetcher) (*RenderedActa, error) {
	return RenderActaWithBranding(ctx, documentNumber, insp, fetch, DefaultActaBranding())
}

func RenderActaWithBranding(ctx context.Context, documentNumber string, insp *models.Inspection, fetch BlobFetcher, branding ActaBranding) (*RenderedActa, error) {
	reviewerSig, err := prepareSignature(ctx, fetch, insp.ReviewerSignature.BlobUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: reviewer: %v", ErrSignatureImageUnavailable, err)
	}
	custodianSig, err := prepareSignature(ctx, fetch, insp.CustodianSignature.BlobUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: custodian: %v", ErrSignatureImageUnavailable, err)
	}

	evidences := insp.Evidences
	if len(evidences) > MaxEvidenceImages {
		evidences = evidences[:MaxEvidenceImages]
	}
	photos := make([]*preparedImage, len(evidences))
	for i, ev := range evidences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := prepareEvidence(ctx, fetch, ev.BlobUrl)
		if err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"field":         "RenderActa",
				"inspection_id": insp.ID,
				"evidence_id":   ev.ID,
			}).WithError(err).Warn("evidence image unavailable, drawing placeholder")
			continue
		}
		photos[i] = img
	}

	w := newActaWriter(branding)
	signedAt := utils.Now()
	if insp.CustodianSignature.SignedAt != nil {
		signedAt = *insp.CustodianSignature.SignedAt
	}
	w.pdf.SetCreationDate(signedAt)
	w.pdf.SetTitle("Acta "+documentNumber, true)
	w.pdf.SetAuthor(branding.InstitutionName, true)
	w.pdf.SetSubject("Acta de revisión de activo fijo "+insp.AssetCode, true)
	w.pdf.AddPage()

	w.header(documentNumber)
	w.generalInformation(insp)
	w.party("DATOS DEL CUSTODIO", insp.CustodianName, insp.CustodianNationalId, insp.CustodianJobTitle)
	w.party("DATOS DEL REVISOR", insp.ReviewerName, insp.ReviewerNationalId, insp.ReviewerJobTitle)
	w.findings(insp)

	var slots []EvidenceSlot
	if len(evidences) > 0 {
		slots = w.evidenceGrid(evidences, photos)
	}

	w.pdf.AddPage()
	w.declaration()
	w.signatures(insp, reviewerSig, custodianSig)
	w.footer(insp.ReviewerSignature.ContentDigest)

	if err := w.pdf.Error(); err != nil {
		return nil, fmt.Errorf("render acta: %w", err)
	}
	pages := w.pdf.PageNo()
	var buf bytes.Buffer
	if err := w.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render acta: %w", err)
	}
	return &RenderedActa{PDF: buf.Bytes(), Pages: pages, EvidenceSlots: slots}, nil
}

func newActaWriter(branding ActaBranding) *actaWriter {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, footerReserve)
	pdf.SetCatalogSort(true)
	pageW, pageH := pdf.GetPageSize()
	return &actaWriter{
		pdf:      pdf,
		encoder:  encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder()),
		pageW:    pageW,
		pageH:    pageH,
		branding: branding,
	}
}

// text converts UTF-8 to the cp1252 bytes the core fonts expect.
func (w *actaWriter) text(s string) string {
	out, err := w.encoder.String(s)
	if err != nil {
		return s
	}
	return out
}

func (w *actaWriter) contentWidth() float64 {
	return w.pageW - 2*pageMargin
}

func (w *actaWriter) centered(style string, size float64, height float64, s string) {
	w.pdf.SetFont("Helvetica", style, size)
	w.pdf.CellFormat(0, height, w.text(s), "", 1, "C", false, 0, "")
}

func (w *actaWriter) header(documentNumber string) {
	logoDrawn := false
	if path := strings.TrimSpace(w.branding.LogoPath); path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			if logo, err := normalizeImage(raw, 600, 240, imaging.PNG); err == nil {
				logoW, logoH := fitInto(logo.width, logo.height, 150, 60)
				w.pdf.RegisterImageOptionsReader("logo", fpdf.ImageOptions{ImageType: logo.kind}, bytes.NewReader(logo.data))
				w.pdf.ImageOptions("logo", (w.pageW-logoW)/2, w.pdf.GetY(), logoW, logoH, false, fpdf.ImageOptions{ImageType: logo.kind}, 0, "")
				w.pdf.SetY(w.pdf.GetY() + 65)
				logoDrawn = true
			}
		}
	}
	if !logoDrawn {
		w.centered("B", 12, 16, w.branding.InstitutionName)
	}
	w.centered("", 10, 13, w.branding.Nit)
	w.centered("", 10, 13, w.branding.Department)
	w.pdf.Ln(8)
	y := w.pdf.GetY()
	w.pdf.Line(pageMargin, y, w.pageW-pageMargin, y)
	w.pdf.Ln(14)

	w.centered("B", 14, 18, "ACTA DE REVISIÓN DE ACTIVO FIJO")
	w.centered("", 12, 16, "No. "+documentNumber)
	w.pdf.Ln(12)
}

func (w *actaWriter) section(title string) {
	w.pdf.Ln(6)
	w.pdf.SetFont("Helvetica", "B", 11)
	w.pdf.CellFormat(0, 16, w.text(title), "", 1, "L", false, 0, "")
	y := w.pdf.GetY()
	w.pdf.SetDrawColor(180, 180, 180)
	w.pdf.Line(pageMargin, y, w.pageW-pageMargin, y)
	w.pdf.SetDrawColor(0, 0, 0)
	w.pdf.Ln(4)
}

func (w *actaWriter) field(label, value string) {
	w.pdf.SetFont("Helvetica", "B", 10)
	w.pdf.CellFormat(labelWidth, 14, w.text(label), "", 0, "L", false, 0, "")
	w.pdf.SetFont("Helvetica", "", 10)
	w.pdf.MultiCell(0, 14, w.text(value), "", "L", false)
}

func (w *actaWriter) paragraph(label, value string) {
	w.pdf.SetFont("Helvetica", "B", 10)
	w.pdf.CellFormat(0, 14, w.text(label), "", 1, "L", false, 0, "")
	w.pdf.SetFont("Helvetica", "", 10)
	w.pdf.MultiCell(0, 14, w.text(value), "", "J", false)
	w.pdf.Ln(4)
}

func (w *actaWriter) generalInformation(insp *models.Inspection) {
	w.section("INFORMACIÓN GENERAL")
	w.field("Fecha de revisión:", LongSpanishDate(insp.InspectionDate))
	w.field("Código del activo:", insp.AssetCode)
	w.field("Descripción:", insp.AssetDescription)
	w.field("Ubicación:", insp.AssetLocation)
}

func (w *actaWriter) party(title, name, nationalId, jobTitle string) {
	w.section(title)
	w.field("Nombre:", name)
	w.field("Cédula:", nationalId)
	if strings.TrimSpace(jobTitle) != "" {
		w.field("Cargo:", jobTitle)
	}
}

func (w *actaWriter) findings(insp *models.Inspection) {
	w.section("RESULTADO DE LA REVISIÓN")
	w.field("Estado del activo:", ConditionLabel(insp.Condition))
	w.pdf.Ln(4)
	w.paragraph("Descripción de la revisión:", insp.Description)
	if insp.Remarks != nil && strings.TrimSpace(*insp.Remarks) != "" {
		w.paragraph("Observaciones:", *insp.Remarks)
	}
}

func (w *actaWriter) evidenceGrid(evidences []models.Evidence, photos []*preparedImage) []EvidenceSlot {
	w.section("REGISTRO FOTOGRÁFICO")
	slots := make([]EvidenceSlot, 0, len(evidences))
	y := w.pdf.GetY() + 6
	for i, ev := range evidences {
		row, col := i/evidencePerRow, i%evidencePerRow
		if col == 0 && y+evidenceHeight > w.pageH-footerReserve {
			w.pdf.AddPage()
			y = w.pdf.GetY()
		}
		x := pageMargin + float64(col)*(evidenceWidth+evidenceGap)

		slot := EvidenceSlot{EvidenceId: ev.ID, Row: row, Column: col}
		if photo := photos[i]; photo != nil {
			name := fmt.Sprintf("evidence-%d", i)
			opts := fpdf.ImageOptions{ImageType: photo.kind}
			w.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(photo.data))
			dw, dh := fitInto(photo.width, photo.height, evidenceWidth, evidenceHeight)
			w.pdf.ImageOptions(name, x+(evidenceWidth-dw)/2, y+(evidenceHeight-dh)/2, dw, dh, false, opts, 0, "")
		} else {
			slot.Placeholder = true
			w.pdf.SetDrawColor(150, 150, 150)
			w.pdf.Rect(x, y, evidenceWidth, evidenceHeight, "D")
			w.pdf.SetDrawColor(0, 0, 0)
			w.pdf.SetFont("Helvetica", "I", 10)
			w.pdf.SetTextColor(120, 120, 120)
			w.pdf.SetXY(x, y+evidenceHeight/2-6)
			w.pdf.CellFormat(evidenceWidth, 12, w.text("Imagen no disponible"), "", 0, "C", false, 0, "")
			w.pdf.SetTextColor(0, 0, 0)
		}
		slots = append(slots, slot)

		if col == evidencePerRow-1 || i == len(evidences)-1 {
			y += evidenceHeight + evidenceGap
		}
	}
	w.pdf.SetXY(pageMargin, y)
	return slots
}

func (w *actaWriter) declaration() {
	w.section("DECLARACIÓN Y CONSTANCIA")
	w.pdf.SetFont("Helvetica", "", 10)
	w.pdf.MultiCell(0, 14, w.text(reviewerDeclaration), "", "J", false)
	w.pdf.Ln(8)
	w.pdf.MultiCell(0, 14, w.text(custodianDeclaration), "", "J", false)
	w.pdf.Ln(40)
}

func (w *actaWriter) signatures(insp *models.Inspection, reviewerSig, custodianSig *preparedImage) {
	y := w.pdf.GetY()
	w.signatureBlock("sig-reviewer", reviewerSignatureX, y, reviewerSig,
		insp.ReviewerName, insp.ReviewerNationalId, ReviewerRoleLabel, insp.ReviewerSignature)
	w.signatureBlock("sig-custodian", custodianSignatureX, y, custodianSig,
		insp.CustodianName, insp.CustodianNationalId, CustodianRoleLabel, insp.CustodianSignature)
}

func (w *actaWriter) signatureBlock(name string, x, y float64, img *preparedImage, fullName, nationalId, role string, sig models.Signature) {
	opts := fpdf.ImageOptions{ImageType: img.kind}
	w.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(img.data))
	dw, dh := fitInto(img.width, img.height, signatureWidth, signatureHeight)
	w.pdf.ImageOptions(name, x+(signatureWidth-dw)/2, y+(signatureHeight-dh), dw, dh, false, opts, 0, "")

	lineY := y + signatureHeight + 5
	w.pdf.Line(x, lineY, x+signatureWidth, lineY)

	w.pdf.SetXY(x, lineY+5)
	w.pdf.SetFont("Helvetica", "B", 10)
	w.pdf.CellFormat(signatureWidth, 13, w.text(fullName), "", 2, "C", false, 0, "")
	w.pdf.SetFont("Helvetica", "", 9)
	w.pdf.CellFormat(signatureWidth, 12, w.text("C.C. "+nationalId), "", 2, "C", false, 0, "")
	w.pdf.CellFormat(signatureWidth, 12, w.text(role), "", 2, "C", false, 0, "")
	if sig.SignedAt != nil {
		w.pdf.SetFont("Helvetica", "", 8)
		w.pdf.CellFormat(signatureWidth, 11, w.text("Firmado: "+SpanishDateTime(*sig.SignedAt)), "", 2, "C", false, 0, "")
	}
}

func (w *actaWriter) footer(digest string) {
	w.pdf.SetAutoPageBreak(false, 0)
	y := w.pageH - 60
	w.pdf.SetDrawColor(180, 180, 180)
	w.pdf.Line(pageMargin, y, w.pageW-pageMargin, y)
	w.pdf.SetDrawColor(0, 0, 0)
	w.pdf.SetXY(pageMargin, y+5)
	w.pdf.SetFont("Helvetica", "", 8)
	w.pdf.CellFormat(w.contentWidth(), 10, w.text(w.branding.FooterNote), "", 2, "C", false, 0, "")
	w.pdf.CellFormat(w.contentWidth(), 10, w.text("Hash de verificación: "+utils.ShortDigest(digest)), "", 2, "C", false, 0, "")
}

func prepareSignature(ctx context.Context, fetch BlobFetcher, url string) (*preparedImage, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("missing signature url")
	}
	raw, err := fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return normalizeImage(raw, int(signatureWidth*2), int(signatureHeight*2), imaging.PNG)
}

func prepareEvidence(ctx context.Context, fetch BlobFetcher, url string) (*preparedImage, error) {
	raw, err := fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return normalizeImage(raw, int(evidenceWidth*4), int(evidenceHeight*4), imaging.JPEG)
}

// normalizeImage decodes any supported format, applies EXIF orientation and
// shrinks the image to fit maxW x maxH pixels before embedding.
func normalizeImage(raw []byte, maxW, maxH int, format imaging.Format) (*preparedImage, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() > maxW || b.Dy() > maxH {
		img = imaging.Fit(img, maxW, maxH, imaging.Lanczos)
		b = img.Bounds()
	}

	var buf bytes.Buffer
	kind := "PNG"
	opts := []imaging.EncodeOption{}
	if format == imaging.JPEG {
		kind = "JPG"
		opts = append(opts, imaging.JPEGQuality(80))
	}
	if err := imaging.Encode(&buf, img, format, opts...); err != nil {
		return nil, err
	}
	return &preparedImage{data: buf.Bytes(), kind: kind, width: float64(b.Dx()), height: float64(b.Dy())}, nil
}

// fitInto scales (w, h) to fit the box keeping the aspect ratio.
func fitInto(w, h, boxW, boxH float64) (float64, float64) {
	if w <= 0 || h <= 0 {
		return boxW, boxH
	}
	scale := math.Min(boxW/w, boxH/h)
	return w * scale, h * scale
}
