package transport

import (
	"math"

	"github.com/wagiedev/fdtransport-go/internal/errors"
)

// WindowSize is an immutable terminal geometry snapshot.
type WindowSize struct {
	Rows uint16
	Cols uint16
}

// WindowSizeFromMap builds a WindowSize from a decoded JSON object such
// as {"rows": 24, "cols": 80}. Both fields are required and must be
// non-negative integers that fit the terminal driver's 16-bit fields.
func WindowSizeFromMap(value map[string]any) (WindowSize, error) {
	rows, err := geometryField(value, "rows")
	if err != nil {
		return WindowSize{}, err
	}

	cols, err := geometryField(value, "cols")
	if err != nil {
		return WindowSize{}, err
	}

	return WindowSize{Rows: rows, Cols: cols}, nil
}

func geometryField(value map[string]any, field string) (uint16, error) {
	raw, present := value[field]
	if !present {
		return 0, &errors.ConfigError{Field: field, Reason: "missing"}
	}

	// encoding/json decodes all numbers as float64.
	n, isNumber := raw.(float64)
	if !isNumber || n != math.Trunc(n) {
		return 0, &errors.ConfigError{Field: field, Reason: "not an integer"}
	}

	if n < 0 || n > math.MaxUint16 {
		return 0, &errors.ConfigError{Field: field, Reason: "out of range"}
	}

	return uint16(n), nil
}
