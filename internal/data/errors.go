package data

import (
	"errors"
	"fmt"

	"github.com/dreamware/quarry/internal/comm"
)

// Error is a data-layer failure carrying the wire-level sub-kind, so RPC
// handlers can forward a structured code to the caller.
type Error struct {
	Code comm.DataCode
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Errorf builds a coded data error.
func Errorf(code comm.DataCode, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from an error: DataSuccess for nil,
// DataUnknown for errors from outside this layer.
func CodeOf(err error) comm.DataCode {
	if err == nil {
		return comm.DataSuccess
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return comm.DataUnknown
}

// IsCode reports whether err carries the given data code.
func IsCode(err error, code comm.DataCode) bool {
	return CodeOf(err) == code
}
