package submission

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	docx "github.com/fumiama/go-docx"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/homework-grader/internal/rubric"
)

const maxDocxBytes = 64 << 20

// wStyles is the slice of word/styles.xml the format check reads. go-docx
// keeps styles.xml as an opaque part, so it is decoded here into the
// library's own property types.
type wStyles struct {
	DocDefaults struct {
		RPr *docx.RunProperties       `xml:"rPrDefault>rPr"`
		PPr *docx.ParagraphProperties `xml:"pPrDefault>pPr"`
	} `xml:"docDefaults"`
	Styles []wStyle `xml:"style"`
}

type wStyle struct {
	Type    string                    `xml:"type,attr"`
	ID      string                    `xml:"styleId,attr"`
	Default string                    `xml:"default,attr"`
	RPr     *docx.RunProperties       `xml:"rPr"`
	PPr     *docx.ParagraphProperties `xml:"pPr"`
}

// paragraph is a body paragraph with the runs that carry its text,
// hyperlink runs included.
type paragraph struct {
	props *docx.ParagraphProperties
	runs  []*docx.Run
}

func (p paragraph) text() string {
	var b strings.Builder
	for _, r := range p.runs {
		b.WriteString(runText(r))
	}
	return b.String()
}

func runText(r *docx.Run) string {
	var b strings.Builder
	for _, c := range r.Children {
		if t, ok := c.(*docx.Text); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func fontNames(rp *docx.RunProperties) []string {
	if rp == nil || rp.Fonts == nil {
		return nil
	}
	var out []string
	for _, n := range []string{rp.Fonts.ASCII, rp.Fonts.EastAsia, rp.Fonts.HAnsi} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

type docxPackage struct {
	paragraphs []paragraph
	styles     wStyles
}

func openDocx(path string) (*docxPackage, error) {
	corrupt := func(err error) error {
		zap.L().Warn("docx parse failed", zap.String("file", filepath.Base(path)), zap.Error(err))
		return fileErr(path, "cannot parse Word file, it may be corrupt")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, corrupt(err)
	}
	if len(data) > maxDocxBytes {
		return nil, fileErr(path, "Word file is too large")
	}
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, corrupt(err)
	}
	if doc.Document.XMLName.Local != "document" {
		return nil, corrupt(eris.New("submission: word/document.xml missing"))
	}

	pkg := &docxPackage{}
	for _, item := range doc.Document.Body.Items {
		p, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		para := paragraph{props: p.Properties}
		for _, c := range p.Children {
			switch o := c.(type) {
			case *docx.Run:
				para.runs = append(para.runs, o)
			case *docx.Hyperlink:
				para.runs = append(para.runs, &o.Run)
			}
		}
		pkg.paragraphs = append(pkg.paragraphs, para)
	}

	// Styles only refine the format check; a broken part is ignored.
	if err := decodeStyles(data, &pkg.styles); err != nil {
		zap.L().Debug("docx styles decode failed", zap.Error(err))
	}
	return pkg, nil
}

func decodeStyles(data []byte, v *wStyles) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return eris.Wrap(err, "submission: open docx archive")
	}
	for _, f := range zr.File {
		if f.Name != "word/styles.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "submission: open %s", f.Name)
		}
		defer rc.Close() //nolint:errcheck
		if err := xml.NewDecoder(io.LimitReader(rc, maxDocxBytes)).Decode(v); err != nil {
			return eris.Wrapf(err, "submission: decode %s", f.Name)
		}
		return nil
	}
	return nil
}

func readDocxText(path string) (string, error) {
	pkg, err := openDocx(path)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, p := range pkg.paragraphs {
		if t := strings.TrimSpace(p.text()); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Defaults applied when a category enables the format check without fonts
// or sizes.
var (
	DefaultFontKeywords = []string{"宋体", "SimSun"}
	DefaultFontSizes    = []float64{12}
)

// CheckDocxFormat passes when at least one body paragraph has the target line
// spacing and a run in an allowed font and size. The failure message lists
// up to five offending paragraphs per problem kind.
func CheckDocxFormat(path string, dv rubric.DocxValidation) error {
	pkg, err := openDocx(path)
	if err != nil {
		return err
	}

	fonts := dv.AllowedFontKeywords
	if len(fonts) == 0 {
		fonts = DefaultFontKeywords
	}
	sizes := dv.AllowedFontSizePts
	if len(sizes) == 0 {
		sizes = DefaultFontSizes
	}

	st := newStyleResolver(pkg.styles)
	var fontProblems, sizeProblems, spacingProblems []string

	for i, p := range pkg.paragraphs {
		if strings.TrimSpace(p.text()) == "" {
			continue
		}
		idx := i + 1

		spacing, hasSpacing := st.lineSpacing(p)
		spacingOK := true
		if dv.TargetLineSpacing != nil && dv.LineSpacingTolerance != nil {
			spacingOK = hasSpacing && math.Abs(spacing-*dv.TargetLineSpacing) <= *dv.LineSpacingTolerance
		}
		if !spacingOK {
			spacingProblems = append(spacingProblems, fmt.Sprintf("paragraph %d spacing=%s", idx, optFloat(spacing, hasSpacing)))
		}

		validRun := false
		for _, r := range p.runs {
			if strings.TrimSpace(runText(r)) == "" {
				continue
			}
			names := st.fontNames(p, r)
			fontOK := matchesFont(names, fonts)
			if !fontOK {
				shown := "unset"
				if len(names) > 0 {
					shown = strings.Join(names, ",")
				}
				fontProblems = append(fontProblems, fmt.Sprintf("paragraph %d font=%s", idx, shown))
			}

			size, hasSize := st.fontSize(p, r)
			sizeOK := hasSize && matchesSize(size, sizes, dv.FontSizeTolerance)
			if !sizeOK {
				sizeProblems = append(sizeProblems, fmt.Sprintf("paragraph %d size=%spt", idx, optFloat(size, hasSize)))
			}
			if fontOK && sizeOK {
				validRun = true
			}
		}
		if spacingOK && validRun {
			return nil
		}
	}

	msg := "document format does not meet the requirements for this assignment"
	var details []string
	if len(fontProblems) > 0 {
		details = append(details, "font: "+strings.Join(firstN(fontProblems, 5), "; "))
	}
	if len(sizeProblems) > 0 {
		details = append(details, "size: "+strings.Join(firstN(sizeProblems, 5), "; "))
	}
	if len(spacingProblems) > 0 {
		details = append(details, "line spacing: "+strings.Join(firstN(spacingProblems, 5), "; "))
	}
	if len(details) > 0 {
		msg += ". " + strings.Join(details, "; ")
	}
	return fileErr(path, "%s", msg)
}

func matchesFont(names, keywords []string) bool {
	for _, n := range names {
		for _, k := range keywords {
			if strings.Contains(strings.ToLower(n), strings.ToLower(k)) {
				return true
			}
		}
	}
	return false
}

func matchesSize(size float64, sizes []float64, tolerance float64) bool {
	for _, s := range sizes {
		if math.Abs(size-s) <= tolerance {
			return true
		}
	}
	return false
}

func optFloat(v float64, ok bool) string {
	if !ok {
		return "unset"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// styleResolver walks run, paragraph style, default paragraph style and
// document defaults, in that order, for each property.
type styleResolver struct {
	byID         map[string]wStyle
	defaultStyle *wStyle
	docRPr       *docx.RunProperties
	docPPr       *docx.ParagraphProperties
}

func newStyleResolver(s wStyles) *styleResolver {
	r := &styleResolver{byID: make(map[string]wStyle), docRPr: s.DocDefaults.RPr, docPPr: s.DocDefaults.PPr}
	for i, st := range s.Styles {
		if st.Type != "paragraph" {
			continue
		}
		r.byID[st.ID] = st
		if st.Default == "1" || st.Default == "true" {
			r.defaultStyle = &s.Styles[i]
		}
	}
	return r
}

func (r *styleResolver) chain(p paragraph) []wStyle {
	var out []wStyle
	if p.props != nil && p.props.Style != nil {
		if st, ok := r.byID[p.props.Style.Val]; ok {
			out = append(out, st)
		}
	}
	if r.defaultStyle != nil {
		out = append(out, *r.defaultStyle)
	}
	return out
}

func (r *styleResolver) rPrs(p paragraph, run *docx.Run) []*docx.RunProperties {
	rs := []*docx.RunProperties{run.RunProperties}
	for _, st := range r.chain(p) {
		rs = append(rs, st.RPr)
	}
	return append(rs, r.docRPr)
}

func (r *styleResolver) fontNames(p paragraph, run *docx.Run) []string {
	for _, rp := range r.rPrs(p, run) {
		if names := fontNames(rp); len(names) > 0 {
			return names
		}
	}
	return nil
}

// fontSize returns points; w:sz is in half-points.
func (r *styleResolver) fontSize(p paragraph, run *docx.Run) (float64, bool) {
	for _, rp := range r.rPrs(p, run) {
		if rp != nil && rp.Size != nil {
			if v, err := strconv.ParseFloat(rp.Size.Val, 64); err == nil {
				return v / 2, true
			}
		}
	}
	return 0, false
}

// lineSpacing returns the line spacing multiple. Exact and at-least rules
// are absolute heights and do not count as a multiple.
func (r *styleResolver) lineSpacing(p paragraph) (float64, bool) {
	pprs := []*docx.ParagraphProperties{p.props}
	for _, st := range r.chain(p) {
		pprs = append(pprs, st.PPr)
	}
	pprs = append(pprs, r.docPPr)
	for _, pp := range pprs {
		if pp == nil || pp.Spacing == nil || pp.Spacing.Line == 0 {
			continue
		}
		if rule := pp.Spacing.LineRule; rule != "" && rule != "auto" {
			return 0, false
		}
		return float64(pp.Spacing.Line) / 240, true
	}
	return 0, false
}
