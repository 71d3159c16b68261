package submission

import (
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/width"
)

// FilenameHint describes the naming convention that ParseFilename reads best.
const FilenameHint = "name files as class+name+student id+assignment, e.g. 25CS1班+张三三+202502210111+职业规划书.docx"

// Meta is the student information encoded in a submission file name. Fields
// are empty when they cannot be recognised.
type Meta struct {
	FileName        string `json:"file_name"`
	ClassName       string `json:"class_name"`
	StudentName     string `json:"student_name"`
	StudentID       string `json:"student_id"`
	AssignmentTitle string `json:"assignment_title"`
}

var (
	studentIDPattern = regexp.MustCompile(`\d{6,20}`)
	separatorPattern = regexp.MustCompile(`[+_\-@|.\s]+`)
	bracketPattern   = regexp.MustCompile(`[【\[(（]([^【\]）)]+)[】\])）]`)
	shellPattern     = regexp.MustCompile(`^[【\[(（]+|[】\])）]+$`)
	noisePattern     = regexp.MustCompile(`^(?:作业提交|作业_提交|作业|(?i:homework))[:：_\-]*`)
	classWordPattern = regexp.MustCompile(`(?i)\bclass\b`)
	hanNamePattern   = regexp.MustCompile(`^[\p{Han}·•]{2,10}$`)
	latinNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z.\-]{1,30}$`)
	classPrefix      = regexp.MustCompile(`^(.+?班)`)
	bracketName      = regexp.MustCompile(`】\s*([^【\[(（]{1,20})\s*[【\[(（]`)
	bracketTitle     = regexp.MustCompile(`[】\])）]\s*([^【]+)$`)

	keyValuePatterns = []struct {
		field string
		re    *regexp.Regexp
	}{
		{"class", regexp.MustCompile(`(?:班级|(?i:class))\s*[:=－\-]\s*([^_\-+@|.]+)`)},
		{"name", regexp.MustCompile(`(?:姓名|(?i:name))\s*[:=－\-]\s*([^_\-+@|.]+)`)},
		{"id", regexp.MustCompile(`(?:学号|(?i:id))\s*[:=－\-]\s*([^_\-+@|.]+)`)},
		{"title", regexp.MustCompile(`(?:作业|(?i:work|assignment))\s*[:=－\-]\s*([^_\-+@|.]+)`)},
	}

	punctuationFolder = strings.NewReplacer("｜", "|", "‖", "|", "·", ".", "—", "-", "–", "-")
)

// normalizeStem folds full-width characters to their narrow forms and maps
// look-alike punctuation to the separators the parser splits on.
func normalizeStem(stem string) string {
	return strings.TrimSpace(punctuationFolder.Replace(width.Fold.String(stem)))
}

func cleanToken(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimSpace(shellPattern.ReplaceAllString(t, ""))
	return strings.TrimSpace(noisePattern.ReplaceAllString(t, ""))
}

func guessStudentID(s string) string {
	ids := studentIDPattern.FindAllString(s, -1)
	if len(ids) == 0 {
		return ""
	}
	sort.SliceStable(ids, func(i, j int) bool { return len(ids[i]) > len(ids[j]) })
	return ids[0]
}

func isClassToken(t string) bool {
	return strings.Contains(t, "班") || classWordPattern.MatchString(t)
}

func isNameToken(t string) bool {
	return hanNamePattern.MatchString(t) || latinNamePattern.MatchString(t)
}

// ParseFilename reads class, name, student id and assignment title from a
// file name. Key/value names (班级=..., 姓名=..., 学号=...) are tried first,
// then separated tokens, then bracketed and unseparated forms. A name
// without a recognisable student id is discarded.
func ParseFilename(name string) Meta {
	base := filepath.Base(name)
	stem := normalizeStem(strings.TrimSuffix(base, filepath.Ext(base)))
	meta := Meta{FileName: base}

	kv := make(map[string]string)
	for _, p := range keyValuePatterns {
		if m := p.re.FindStringSubmatch(stem); m != nil {
			kv[p.field] = cleanToken(m[1])
		}
	}
	if kv["id"] != "" && kv["name"] != "" {
		meta.ClassName = kv["class"]
		meta.StudentName = kv["name"]
		meta.StudentID = kv["id"]
		meta.AssignmentTitle = kv["title"]
		return meta
	}

	var tokens []string
	for _, t := range separatorPattern.Split(stem, -1) {
		if t = cleanToken(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	for _, m := range bracketPattern.FindAllStringSubmatch(stem, -1) {
		if bt := cleanToken(m[1]); bt != "" && !slices.Contains(tokens, bt) {
			tokens = append([]string{bt}, tokens...)
		}
	}

	id := guessStudentID(stem)
	var class, student, title string
	for _, t := range tokens {
		if id == "" {
			if sid := guessStudentID(t); sid != "" {
				id = sid
				continue
			}
		}
		if class == "" && isClassToken(t) {
			class = t
			continue
		}
		if student == "" && isNameToken(t) && (id == "" || !strings.Contains(t, id)) {
			// Without an id, only accept a name once a class has been seen.
			if id == "" && class == "" {
				continue
			}
			student = t
		}
	}

	reserved := map[string]bool{class: true, student: true, id: true}
	for i := len(tokens) - 1; i >= 0; i-- {
		if t := tokens[i]; t != "" && !reserved[t] {
			title = t
			break
		}
	}

	// A single token holding an id and a class was written without separators.
	if len(tokens) == 1 && id != "" && strings.Contains(stem, "班") {
		tokens = nil
	}
	if len(tokens) == 0 && id != "" {
		left, right, _ := strings.Cut(stem, id)
		if m := classPrefix.FindStringSubmatch(left); m != nil {
			class = cleanToken(m[1])
		}
		rest := left
		if class != "" {
			rest = strings.Replace(left, class, "", 1)
		}
		if g := cleanToken(rest); g != "" && isNameToken(g) {
			student = g
		}
		if g := cleanToken(right); g != "" {
			title = g
		}
	}

	if class != "" && id != "" && strings.Contains(class, id) {
		if m := classPrefix.FindStringSubmatch(class); m != nil {
			class = cleanToken(m[1])
		}
	}

	if id != "" && class != "" && student == "" {
		if m := bracketName.FindStringSubmatch(stem); m != nil {
			if g := cleanToken(m[1]); g != "" && isNameToken(g) {
				student = g
			}
		}
	}
	if id != "" {
		if m := bracketTitle.FindStringSubmatch(stem); m != nil {
			if g := cleanToken(m[1]); g != "" && (title == "" || len(g) < len(title)) {
				title = g
			}
		}
	}

	if id == "" {
		if student != "" {
			zap.L().Warn("file name has no student id, ignoring name", zap.String("file", base), zap.String("hint", FilenameHint))
		} else {
			zap.L().Warn("file name has no student id or name", zap.String("file", base), zap.String("hint", FilenameHint))
		}
		return meta
	}

	meta.StudentID = id
	meta.ClassName = class
	meta.StudentName = student
	meta.AssignmentTitle = title
	return meta
}
