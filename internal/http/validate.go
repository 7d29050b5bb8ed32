package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/scheduler"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set, leaving dst at its zero value.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return errBadRequestBody
		}
	}
	return validateStruct(dst)
}

func validateStruct(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &application.ValidationError{FieldErrors: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.FieldErrors[fieldPath(fe)] = fieldMessage(fe)
	}
	return out
}

// fieldPath drops the DTO type name from the namespace: "req.items[0].quantity"
// becomes "items[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "email":
		return "must be an email address"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("needs at least %s entries", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "datetime":
		return "must use the format " + fe.Param()
	case "unique":
		return "must not contain duplicates"
	}
	return "is invalid (" + fe.Tag() + ")"
}

// parseDate reads a validated YYYY-MM-DD value; empty gives the zero time.
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	d, err := scheduler.ParseDate(s)
	if err != nil {
		return time.Time{}
	}
	return d
}

// parseClocks turns HH:MM fields into minutes after midnight.
func parseClocks(fields map[string]string) (map[string]int, error) {
	vErr := &application.ValidationError{FieldErrors: map[string]string{}}
	out := make(map[string]int, len(fields))
	for name, value := range fields {
		m, err := scheduler.ParseClock(value)
		if err != nil {
			vErr.FieldErrors[name] = "must use the format HH:MM"
			continue
		}
		out[name] = m
	}
	if vErr.HasErrors() {
		return nil, vErr
	}
	return out, nil
}
