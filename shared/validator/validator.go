package validator

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate is the shared validator instance; it caches struct metadata
var Validate *validator.Validate

// TimestampLayouts are the accepted timestamp encodings. The upstream notifier
// sends offsets on some fields and bare local timestamps on others.
var TimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

func init() {
	Validate = validator.New(validator.WithRequiredStructEnabled())

	// report json names in field paths
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = Validate.RegisterValidation("timestamp", validateTimestamp)
	_ = Validate.RegisterValidation("jsonobject", validateJSONObject)
}

// ParseTimestamp parses s with the first matching layout
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range TimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func validateTimestamp(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	_, err := ParseTimestamp(s)
	return err == nil
}

func validateJSONObject(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.Slice {
		return false
	}
	b := bytes.TrimSpace(fl.Field().Bytes())
	return len(b) > 0 && b[0] == '{'
}

// Violations flattens validation errors into "path: problem" strings. The
// root struct name is stripped from the namespace.
func Violations(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		out = append(out, path+": "+describe(fe))
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "uuid":
		return "must be a uuid"
	case "email":
		return "must be an email address"
	case "timestamp":
		return "must be a valid timestamp"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "jsonobject":
		return "must be an object"
	case "url":
		return "must be a url"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
