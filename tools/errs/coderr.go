package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

const (
	MalformedPayloadError    = 400
	UnauthorizedError        = 401
	ForbiddenError           = 403
	NotFoundError            = 404
	TokenInvalidError        = 410
	ServerInternalError      = 500
	SequencerUnavailableCode = 503
)

var (
	ErrMalformedPayload     = NewCodeError(MalformedPayloadError, "malformed payload")
	ErrUnauthorized         = NewCodeError(UnauthorizedError, "invalid credential")
	ErrForbidden            = NewCodeError(ForbiddenError, "forbidden")
	ErrNotParticipant       = NewCodeError(ForbiddenError, "not a participant")
	ErrNotFound             = NewCodeError(NotFoundError, "not found")
	ErrTokenInvalid         = NewCodeError(TokenInvalidError, "push token invalid")
	ErrInternal             = NewCodeError(ServerInternalError, "internal error")
	ErrSequencerUnavailable = NewCodeError(SequencerUnavailableCode, "sequencer unavailable")
)

type CodeErrorI interface {
	ECode() int
	EMsg() string
	error
}

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) ECode() int   { return e.Code }
func (e CodeError) EMsg() string { return e.Msg }

func (e CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap returns the code error with a stack trace attached.
func (e CodeError) Wrap() error {
	return pkgerrors.WithStack(e)
}

// WrapMsg attaches msg and key/value pairs as detail, plus a stack trace.
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e
	if msg != "" || len(kv) > 0 {
		retErr = e.WithDetail(toString(msg, kv))
	}
	return pkgerrors.WithStack(retErr)
}

// Is matches by code so a detailed copy still equals the sentinel.
func (e CodeError) Is(target error) bool {
	var t CodeError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && (t.Msg == "" || e.Msg == t.Msg)
}

const initialCapacity = 3

func (e CodeError) Error() string {
	v := make([]string, 0, initialCapacity)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}

	return strings.Join(v, " ")
}

// Code extracts the code of the first CodeError in err's chain, or
// ServerInternalError when there is none.
func Code(err error) int {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerInternalError
}

// AsCodeError returns the CodeError in err's chain, falling back to ErrInternal.
func AsCodeError(err error) CodeError {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return ErrInternal
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

func New(msg string, kv ...any) error {
	return pkgerrors.New(toString(msg, kv))
}

func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return ErrInternal.WrapMsg("panic", "recovered", fmt.Sprint(r))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteString("=")
		if i+1 < len(kv) {
			b.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}
