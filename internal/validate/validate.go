// Package validate wraps go-playground/validator behind a small API that
// turns struct-tag schemas into either a validated value or a list of
// {path, message} field errors suitable for an error envelope's details.
package validate

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one failed constraint on one field.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names, not Go field names, so error paths match
	// what the client actually sent.
	val.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// abs_http_url: an absolute http(s) URL. Everything else (SSRF checks,
	// DNS resolution) is the attachment fetcher's job; this tag only gates
	// the obvious schema-level mistakes.
	_ = val.RegisterValidation("abs_http_url", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	})

	// future: a *time.Time strictly after now.
	_ = val.RegisterValidation("future", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		if !ok {
			return false
		}
		return t.After(time.Now())
	})

	return val
}

// Struct validates s against its struct tags and returns one FieldError per
// violated constraint, or nil when s is valid.
func Struct(s any) []FieldError {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Path: "", Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Path: path(fe), Message: messageFor(fe)})
	}
	return out
}

// path strips the root struct name from the namespace so paths read like
// "targets[0].platformId" rather than "SendRequest.targets[0].platformId".
func path(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return fmt.Sprintf("is required when %s is absent", strings.ToLower(fe.Param()))
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must contain at most %s item(s)", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "abs_http_url":
		return "must be an absolute http(s) URL"
	case "future":
		return "must be in the future"
	default:
		return fmt.Sprintf("failed %q constraint", fe.Tag())
	}
}
