package gateway

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// fencePattern matches a fenced code block with an optional language tag.
var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \\t]*\\r?\\n?(.*?)```")

// ExtractJSON pulls the grading object out of a model reply. The first
// fenced block whose body is a JSON object wins; otherwise the text from the
// first '{' to the last '}' is tried. Numbers decode as json.Number.
func ExtractJSON(text string) (map[string]any, error) {
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
			continue
		}
		if obj, err := decodeObject(body); err == nil {
			return obj, nil
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("gateway: no JSON object in model output")
	}
	obj, err := decodeObject(text[start : end+1])
	if err != nil {
		return nil, eris.Wrap(err, "gateway: parse model output")
	}
	return obj, nil
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, eris.New("gateway: JSON value is not an object")
	}
	return obj, nil
}
