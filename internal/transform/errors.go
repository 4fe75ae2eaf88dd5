package transform

import (
	"errors"
	"fmt"

	"github.com/esm-dev/devserver/internal/hmr"
)

// Error codes surfaced to the request middleware.
const (
	ErrCodeOutdatedOptimizedDep   = "ERR_OUTDATED_OPTIMIZED_DEP"
	ErrCodeOptimizeDepsProcessing = "ERR_OPTIMIZE_DEPS_PROCESSING_ERROR"
	ErrCodeLoadURL                = "ERR_LOAD_URL"
	ErrCodeResolve                = "ERR_RESOLVE"
	ErrCodeFSDenied               = "ERR_FS_DENIED"
)

// Loc is a position in a source file, lines are 1-based and columns 0-based.
type Loc struct {
	File   string
	Line   int
	Column int
}

// Error is a failure of the transform pipeline for a single module.
type Error struct {
	Code    string
	Message string
	Plugin  string
	ID      string
	Loc     *Loc
	Frame   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Plugin != "" {
		msg = fmt.Sprintf("[plugin:%s] %s", e.Plugin, msg)
	}
	if e.Loc != nil {
		return fmt.Sprintf("%s (%s:%d:%d)", msg, e.Loc.File, e.Loc.Line, e.Loc.Column)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Payload converts the error for the browser overlay.
func (e *Error) Payload() hmr.ErrorPayload {
	info := hmr.ErrorInfo{
		Message: e.Message,
		ID:      e.ID,
		Frame:   e.Frame,
		Plugin:  e.Plugin,
	}
	if info.Message == "" && e.Err != nil {
		info.Message = e.Err.Error()
	}
	if e.Loc != nil {
		info.Loc = &hmr.ErrorLoc{File: e.Loc.File, Line: e.Loc.Line, Column: e.Loc.Column}
	}
	return hmr.ErrorPayload{Err: info}
}

// ErrorCode returns the code of the error, or an empty string if it carries none.
func ErrorCode(err error) string {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Code
	}
	return ""
}

// AsPayload converts any error for the browser overlay.
func AsPayload(err error) hmr.ErrorPayload {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Payload()
	}
	return hmr.ErrorPayload{Err: hmr.ErrorInfo{Message: err.Error()}}
}
