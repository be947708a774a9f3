// Package annotation holds the JSON document stored in a row's
// annotation cells. Annotations ride alongside datapoints in the store
// but are never merged into the canonical cell; the compactor extracts
// them and hands them back to the caller.
package annotation

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Annotation is a free-form note attached to a point in time of one
// series (or globally, when TSUID is empty).
type Annotation struct {
	StartTime   int64             `json:"startTime"`
	EndTime     int64             `json:"endTime,omitempty"`
	TSUID       string            `json:"tsuid,omitempty"`
	Description string            `json:"description,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// Parse decodes the JSON document stored in an annotation cell's
// value. A decode failure means the cell is corrupt; callers treat it
// as malformed row data.
func Parse(b []byte) (Annotation, error) {
	var a Annotation
	if err := json.Unmarshal(b, &a); err != nil {
		return Annotation{}, errors.Wrap(err, "annotation: decoding JSON")
	}
	return a, nil
}
