package model

// Candidate is one (field, value, confidence) triple produced by extraction.
type Candidate struct {
	FieldName     string  `json:"field_name"`
	Value         Value   `json:"value"`
	Confidence    float64 `json:"confidence"`
	SourceSegment string  `json:"source_segment,omitempty"`
}
