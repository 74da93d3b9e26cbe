package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/model"
)

// rawField accepts the key spellings models tend to drift between.
type rawField struct {
	FieldName       string          `json:"field_name"`
	Field           string          `json:"field"`
	Value           json.RawMessage `json:"value"`
	ExtractedValue  json.RawMessage `json:"extracted_value"`
	Confidence      *float64        `json:"confidence"`
	ConfidenceScore *float64        `json:"confidence_score"`
	SourceSegment   string          `json:"source_segment"`
	Quote           string          `json:"quote"`
}

const defaultConfidence = 0.5

// Parse decodes a model answer into candidates. It accepts a {"fields": [...]}
// object, a bare array, and answers wrapped in markdown fences. Malformed
// items are skipped; an answer that is not JSON at all is an error.
func Parse(text string) ([]model.Candidate, error) {
	body := stripFences(text)
	if body == "" {
		return nil, nil
	}

	var items []json.RawMessage
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &items); err != nil {
			return nil, eris.Wrap(err, "extract: decode answer")
		}
	} else {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, eris.Wrap(err, "extract: decode answer")
		}
		for _, key := range []string{"fields", "extractions"} {
			if raw, ok := doc[key]; ok {
				if err := json.Unmarshal(raw, &items); err != nil {
					return nil, eris.Wrapf(err, "extract: decode %s", key)
				}
				break
			}
		}
	}

	out := make([]model.Candidate, 0, len(items))
	for _, item := range items {
		c, ok := parseItem(item)
		if !ok {
			zap.L().Warn("extract: skipping malformed field", zap.ByteString("item", item))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func parseItem(item json.RawMessage) (model.Candidate, bool) {
	var f rawField
	if err := json.Unmarshal(item, &f); err != nil {
		return model.Candidate{}, false
	}
	name := f.FieldName
	if name == "" {
		name = f.Field
	}
	if strings.TrimSpace(name) == "" {
		return model.Candidate{}, false
	}

	raw := f.Value
	if len(raw) == 0 || string(raw) == "null" {
		raw = f.ExtractedValue
	}
	var v model.Value
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return model.Candidate{}, false
		}
	}

	confidence := defaultConfidence
	switch {
	case f.Confidence != nil:
		confidence = *f.Confidence
	case f.ConfidenceScore != nil:
		confidence = *f.ConfidenceScore
	}

	segment := f.SourceSegment
	if segment == "" {
		segment = f.Quote
	}
	return model.Candidate{
		FieldName:     name,
		Value:         v,
		Confidence:    confidence,
		SourceSegment: segment,
	}, true
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
