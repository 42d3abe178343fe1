package annotate

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// Parse decodes an annotation payload. It tolerates markdown code
// fences around the JSON and snake_case keys, drops training pairs
// with an empty side, and treats absent fields as empty. Anything
// that is not a JSON object, or an object carrying none of the
// annotation fields, is a parse error.
func Parse(body []byte) (*Annotation, error) {
	body = stripFences(body)
	if len(body) == 0 {
		return nil, parseError("empty response body")
	}
	if !gjson.ValidBytes(body) {
		return nil, parseError("response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, parseError("response is not a JSON object")
	}
	if !hasAnyField(root) {
		return nil, parseError("response has none of the annotation fields: " + truncate(root.Raw, 200))
	}

	a := &Annotation{
		Topics:       stringList(first(root, "topics")),
		UserStyle:    strings.TrimSpace(first(root, "userStyle", "user_style").String()),
		Improvements: stringList(first(root, "improvements")),
	}

	pairs := first(root, "trainingPairs", "training_pairs")
	if pairs.Exists() && !pairs.IsArray() {
		return nil, parseError("trainingPairs is not an array")
	}
	pairs.ForEach(func(_, p gjson.Result) bool {
		user := strings.TrimSpace(p.Get("user").String())
		assistant := strings.TrimSpace(p.Get("assistant").String())
		if user != "" && assistant != "" {
			a.TrainingPairs = append(a.TrainingPairs, TrainingPair{User: user, Assistant: assistant})
		}
		return true
	})

	return a, nil
}

// annotationFields lists every accepted key, both spellings.
var annotationFields = []string{
	"topics", "userStyle", "user_style", "improvements", "trainingPairs", "training_pairs",
}

func hasAnyField(root gjson.Result) bool {
	for _, k := range annotationFields {
		if root.Get(k).Exists() {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func first(root gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := root.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func stringList(r gjson.Result) []string {
	out := []string{}
	r.ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

// stripFences removes a surrounding ```json ... ``` block.
func stripFences(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	} else {
		b = b[3:]
	}
	b = bytes.TrimSpace(b)
	b = bytes.TrimSuffix(b, []byte("```"))
	return bytes.TrimSpace(b)
}
