// Package submission turns uploaded homework files into gradeable text and
// the student metadata encoded in their names.
package submission

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// SupportedExtensions lists the accepted file suffixes, lowercased.
var SupportedExtensions = []string{".docx", ".md", ".markdown", ".txt"}

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// FileError rejects one submission without affecting the rest of the batch.
type FileError struct {
	File string
	Msg  string
}

func (e *FileError) Error() string {
	return e.Msg
}

// IsFileError reports whether err carries a FileError.
func IsFileError(err error) bool {
	var fe *FileError
	return errors.As(err, &fe)
}

func fileErr(path, format string, args ...any) *FileError {
	return &FileError{File: filepath.Base(path), Msg: fmt.Sprintf(format, args...)}
}

// IsSupported reports whether name has an accepted extension.
func IsSupported(name string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(name)))
}

// CheckSupported verifies the extension and that the content looks like the
// type the extension claims.
func CheckSupported(path string) error {
	if !IsSupported(path) {
		return fileErr(path, "unsupported file type: only %s are accepted", strings.Join(SupportedExtensions, "/"))
	}
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return fileErr(path, "cannot read file: %v", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".docx") {
		if !hasAncestor(mime, docxMIME, "application/zip") {
			return fileErr(path, "file is not a Word document (detected %s)", mime.String())
		}
		return nil
	}
	if !hasTextAncestor(mime) {
		return fileErr(path, "file is not plain text (detected %s)", mime.String())
	}
	return nil
}

func hasAncestor(m *mimetype.MIME, types ...string) bool {
	for ; m != nil; m = m.Parent() {
		if slices.ContainsFunc(types, m.Is) {
			return true
		}
	}
	return false
}

func hasTextAncestor(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}
	return false
}

// ReadText extracts the submission body. Text files are read as UTF-8 with a
// GB18030 fallback; .docx files yield their non-empty paragraphs. Content
// shorter than minLength characters is rejected.
func ReadText(path string, minLength int) (string, error) {
	var (
		content string
		err     error
	)
	if strings.EqualFold(filepath.Ext(path), ".docx") {
		content, err = readDocxText(path)
	} else {
		content, err = readPlainText(path)
	}
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) < minLength {
		return "", fileErr(path, "content is too short to be a valid submission")
	}
	return content, nil
}

func readPlainText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fileErr(path, "cannot read text file: %v", err)
	}
	text, err := DecodeText(data)
	if err != nil {
		zap.L().Warn("text decode failed", zap.String("file", filepath.Base(path)), zap.Error(err))
		return "", fileErr(path, "cannot decode text file: unsupported encoding or corrupt file")
	}
	return text, nil
}

// DecodeText returns data as a string, decoding GB18030 when it is not valid
// UTF-8. A UTF-8 byte order mark is dropped.
func DecodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), simplifiedchinese.GB18030.NewDecoder()))
	if err != nil {
		return "", eris.Wrap(err, "submission: decode gb18030")
	}
	if !utf8.Valid(out) || bytes.ContainsRune(out, utf8.RuneError) {
		return "", eris.New("submission: text is neither UTF-8 nor GB18030")
	}
	return string(out), nil
}

// Collect expands args into supported files. Directories are walked
// recursively; explicitly named files are kept even when unsupported so the
// batch can report them.
func Collect(args []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "submission: stat %s", arg)
		}
		if !info.IsDir() {
			add(arg)
			continue
		}
		var found []string
		err = filepath.WalkDir(arg, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsSupported(p) && !strings.HasPrefix(d.Name(), "~$") {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "submission: walk %s", arg)
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	return files, nil
}

// Stage copies files into dir, keeping their base names, and returns the new
// paths in input order. A later file with a clashing name gets a numeric
// suffix.
func Stage(dir string, paths []string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "submission: create %s", dir)
	}
	used := make(map[string]bool)
	out := make([]string, 0, len(paths))
	for _, src := range paths {
		name := uniqueName(filepath.Base(src), used)
		dst := filepath.Join(dir, name)
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		out = append(out, dst)
	}
	return out, nil
}

// StageReader writes one uploaded file into dir.
func StageReader(dir, name string, r io.Reader) (string, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		return "", eris.New("submission: empty upload file name")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "submission: create %s", dir)
	}
	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		return "", eris.Wrapf(err, "submission: create %s", dst)
	}
	defer f.Close() //nolint:errcheck
	if _, err := io.Copy(f, r); err != nil {
		return "", eris.Wrapf(err, "submission: write %s", dst)
	}
	return dst, nil
}

func uniqueName(name string, used map[string]bool) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; used[candidate]; i++ {
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
	used[candidate] = true
	return candidate
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "submission: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "submission: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrapf(err, "submission: copy %s", src)
	}
	return eris.Wrapf(out.Close(), "submission: close %s", dst)
}
