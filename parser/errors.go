package parser

import (
	"errors"
	"fmt"
)

var (
	ErrNoTables              = errors.New("no result tables found")
	ErrMissingHeader         = errors.New("unit heading is missing")
	ErrMissingCode           = errors.New("unit code marker is missing")
	ErrMissingSummaryTable   = errors.New("summary table is missing")
	ErrMalformedSummaryTable = errors.New("summary table is malformed")
	ErrMalformedNumber       = errors.New("malformed number")
	ErrRowTooShort           = errors.New("row has too few cells")
	ErrHeaderLayout          = errors.New("unexpected data row in table header")
)

// StructuralError reports a document that deviates from the expected layout.
type StructuralError struct {
	Op  string
	Err error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

func structural(op string, err error) error {
	var se *StructuralError
	if errors.As(err, &se) {
		return err
	}
	return &StructuralError{Op: op, Err: err}
}

// ErrorLabel returns a short metric label for a parse error, or "" when
// err is not a parse error.
func ErrorLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoTables):
		return "no_tables"
	case errors.Is(err, ErrMissingHeader):
		return "missing_header"
	case errors.Is(err, ErrMissingCode):
		return "missing_code"
	case errors.Is(err, ErrMissingSummaryTable):
		return "missing_summary_table"
	case errors.Is(err, ErrMalformedSummaryTable):
		return "malformed_summary_table"
	case errors.Is(err, ErrMalformedNumber):
		return "malformed_number"
	case errors.Is(err, ErrRowTooShort):
		return "row_too_short"
	case errors.Is(err, ErrHeaderLayout):
		return "header_layout"
	}
	var se *StructuralError
	if errors.As(err, &se) {
		return "structural"
	}
	return ""
}
