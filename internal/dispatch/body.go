package dispatch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// Kind identifies how a handler wants its request body delivered.
type Kind int

const (
	KindNone Kind = iota
	KindRaw
	KindJSON
	KindForm
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindJSON:
		return "json"
	case KindForm:
		return "form"
	default:
		return "none"
	}
}

// Plan is what a handler hands back to the dispatcher once its synchronous
// part is done. The zero Plan means the handler has already responded.
type Plan struct {
	// MaxLen, when positive, is advertised in the Max-Length response header
	// and enforced against Content-Length before the body is read.
	MaxLen int64
	Body   Body
}

// Body describes the single body delivery a handler expects. Build one with
// Raw, Form or JSON; the zero value expects no body.
type Body struct {
	kind    Kind
	parse   func(text string) (any, error)
	consume func(c echo.Context, v any) error
}

// Kind reports the delivery kind.
func (b Body) Kind() Kind { return b.kind }

// Raw delivers the whole body as text once the stream has ended.
func Raw(fn func(c echo.Context, body string) error) Body {
	return Body{
		kind:  KindRaw,
		parse: func(text string) (any, error) { return text, nil },
		consume: func(c echo.Context, v any) error {
			return fn(c, v.(string))
		},
	}
}

// skippedPairsError reports form pairs that could not be decoded. The rest of
// the form is still delivered.
type skippedPairsError struct {
	err error
}

func (e *skippedPairsError) Error() string { return "skipped form pairs: " + e.err.Error() }

func (e *skippedPairsError) Unwrap() error { return e.err }

// Form delivers the body parsed as application/x-www-form-urlencoded pairs.
// Undecodable pairs are dropped; a form body is never rejected.
func Form(fn func(c echo.Context, form url.Values) error) Body {
	return Body{
		kind: KindForm,
		parse: func(text string) (any, error) {
			form, err := url.ParseQuery(text)
			if err != nil {
				return form, &skippedPairsError{err: err}
			}
			return form, nil
		},
		consume: func(c echo.Context, v any) error {
			return fn(c, v.(url.Values))
		},
	}
}

// JSON delivers the body decoded into a T.
func JSON[T any](fn func(c echo.Context, v T) error) Body {
	return Body{
		kind: KindJSON,
		parse: func(text string) (any, error) {
			var v T
			if err := json.Unmarshal([]byte(text), &v); err != nil {
				return nil, fmt.Errorf("parse json body: %w", err)
			}
			return v, nil
		},
		consume: func(c echo.Context, v any) error {
			return fn(c, v.(T))
		},
	}
}

// accepts reports whether the request content type suits the delivery kind.
// JSON wants a media type ending in /json or /x-json, compared case-sensitively
// with no parameters; forms want the exact urlencoded media type.
func (b Body) accepts(contentType string) bool {
	switch b.kind {
	case KindJSON:
		return strings.HasSuffix(contentType, "/json") || strings.HasSuffix(contentType, "/x-json")
	case KindForm:
		return contentType == echo.MIMEApplicationForm
	default:
		return true
	}
}
