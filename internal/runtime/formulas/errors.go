package formulas

import (
	"errors"

	"github.com/l0p7/sheetlink/internal/runtime/accessor"
	"github.com/l0p7/sheetlink/internal/runtime/search"
)

// Code classifies an evaluation error for the formula engine.
type Code string

const (
	CodeAllParametersRequired Code = "AllParametersRequired"
	CodeInvalidArguments      Code = "InvalidArguments"
	CodeUnknownFunction       Code = "UnknownFunction"
	CodeNotFound              Code = "NotFound"
	CodeFieldMissing          Code = "FieldMissing"
	CodeUnsortable            Code = "Unsortable"
	CodeUpstream              Code = "Upstream"
)

// EvalError is the error a cell displays.
type EvalError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *EvalError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func errorf(code Code, message string) *EvalError {
	return &EvalError{Code: code, Message: message}
}

// classify maps runtime errors onto surface codes. Anything unrecognized came
// from the record service.
func classify(err error) *EvalError {
	var evalErr *EvalError
	switch {
	case errors.As(err, &evalErr):
		return evalErr
	case errors.Is(err, accessor.ErrNotFound):
		return errorf(CodeNotFound, err.Error())
	case errors.Is(err, accessor.ErrFieldMissing):
		return errorf(CodeFieldMissing, err.Error())
	case errors.Is(err, search.ErrUnsortable):
		return errorf(CodeUnsortable, err.Error())
	default:
		return errorf(CodeUpstream, err.Error())
	}
}
