package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateName is returned when registering a name that already
	// exists without the replace option.
	ErrDuplicateName = errors.New("dataset already registered")

	// ErrDatasetNotFound is returned when looking up an unknown dataset.
	ErrDatasetNotFound = errors.New("dataset not found")
)

// SchemaInferenceError reports rows that cannot be registered under a
// consistent schema.
type SchemaInferenceError struct {
	Dataset string
	Column  string
	Row     int // -1 when the failure is not tied to a row
	Reason  string
}

func (e *SchemaInferenceError) Error() string {
	switch {
	case e.Column != "" && e.Row >= 0:
		return fmt.Sprintf("dataset %q: row %d column %q: %s", e.Dataset, e.Row, e.Column, e.Reason)
	case e.Column != "":
		return fmt.Sprintf("dataset %q: column %q: %s", e.Dataset, e.Column, e.Reason)
	case e.Row >= 0:
		return fmt.Sprintf("dataset %q: row %d: %s", e.Dataset, e.Row, e.Reason)
	default:
		return fmt.Sprintf("dataset %q: %s", e.Dataset, e.Reason)
	}
}

func jsonString(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
