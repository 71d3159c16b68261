package submission

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

// docxParagraph renders one w:p. Empty font, zero size or zero spacing leave
// the property unset.
func docxParagraph(text, font string, halfPoints int, line int) string {
	var b strings.Builder
	b.WriteString("<w:p>")
	if line > 0 {
		b.WriteString(`<w:pPr><w:spacing w:line="` + strconv.Itoa(line) + `" w:lineRule="auto"/></w:pPr>`)
	}
	b.WriteString("<w:r>")
	if font != "" || halfPoints > 0 {
		b.WriteString("<w:rPr>")
		if font != "" {
			b.WriteString(`<w:rFonts w:ascii="` + font + `" w:eastAsia="` + font + `"/>`)
		}
		if halfPoints > 0 {
			b.WriteString(`<w:sz w:val="` + strconv.Itoa(halfPoints) + `"/>`)
		}
		b.WriteString("</w:rPr>")
	}
	b.WriteString("<w:t>" + text + "</w:t></w:r></w:p>")
	return b.String()
}

// writeDocx builds a minimal .docx in dir from body paragraphs and optional
// styles.xml content.
func writeDocx(t *testing.T, dir, name string, paragraphs []string, styles string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	parts := map[string]string{
		"[Content_Types].xml": contentTypesXML,
		"word/document.xml": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
			strings.Join(paragraphs, "") + `</w:body></w:document>`,
	}
	if styles != "" {
		parts["word/styles.xml"] = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` + styles + `</w:styles>`
	}
	for _, n := range []string{"[Content_Types].xml", "word/document.xml", "word/styles.xml"} {
		body, ok := parts[n]
		if !ok {
			continue
		}
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
