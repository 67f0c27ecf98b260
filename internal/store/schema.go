package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// snapshotSchema is the wire contract for persisted modality snapshots:
// per-modality mean (10 floats), covariance (100 floats, row-major),
// mixture weights (2), means (2×10) and variances (2×10).
const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["modality", "created_at"],
  "properties": {
    "modality": {"enum": ["touch", "motion", "typing"]},
    "created_at": {"type": "string"},
    "baseline": {
      "type": "object",
      "required": ["mean", "cov", "sample_count"],
      "properties": {
        "mean": {"type": "array", "items": {"type": "number"}, "minItems": 10, "maxItems": 10},
        "cov": {"type": "array", "items": {"type": "number"}, "minItems": 100, "maxItems": 100},
        "sample_count": {"type": "integer", "minimum": 2}
      }
    },
    "preprocessor": {
      "type": "object",
      "required": ["median", "mad"],
      "properties": {
        "median": {"type": "array", "items": {"type": "number"}, "minItems": 10, "maxItems": 10},
        "mad": {"type": "array", "items": {"type": "number"}, "minItems": 10, "maxItems": 10}
      }
    },
    "mixture": {
      "type": "object",
      "required": ["weights", "means", "variances"],
      "properties": {
        "weights": {"type": "array", "items": {"type": "number", "minimum": 0, "maximum": 1}, "minItems": 2, "maxItems": 2},
        "means": {
          "type": "array", "minItems": 2, "maxItems": 2,
          "items": {"type": "array", "items": {"type": "number"}, "minItems": 10, "maxItems": 10}
        },
        "variances": {
          "type": "array", "minItems": 2, "maxItems": 2,
          "items": {"type": "array", "items": {"type": "number", "exclusiveMinimum": 0}, "minItems": 10, "maxItems": 10}
        }
      }
    }
  }
}`

var compiledSnapshotSchema = jsonschema.MustCompileString("snapshot.schema.json", snapshotSchema)

// ValidateSnapshotDoc checks a JSON snapshot document against the wire
// contract.
func ValidateSnapshotDoc(doc []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("parse snapshot document: %w", err)
	}
	if err := compiledSnapshotSchema.Validate(v); err != nil {
		return fmt.Errorf("snapshot schema: %w", err)
	}
	return nil
}
