package mcp

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/ankipanel/internal/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report arguments by the names tool callers use.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind decodes the tool arguments into T and checks its validate tags.
// Every failure is an INVALID_REQUEST naming the offending argument.
func bind[T any](req mcp.CallToolRequest) (T, error) {
	var in T
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return in, errors.NewInvalidRequest(fmt.Sprintf("arguments are not JSON: %v", err))
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if stderrors.As(err, &typeErr) && typeErr.Field != "" {
			return in, errors.NewInvalidRequest(fmt.Sprintf("%s must be %s", typeErr.Field, kindName(typeErr.Type)))
		}
		return in, errors.NewInvalidRequest(fmt.Sprintf("invalid arguments: %v", err))
	}
	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return in, errors.NewInvalidRequest(describe(fieldErrs[0]))
		}
		return in, errors.NewInvalidRequest(err.Error())
	}
	return in, nil
}

func kindName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "text"
	case reflect.Bool:
		return "a boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "a number"
	case reflect.Ptr:
		return kindName(t.Elem())
	}
	return "a " + t.Kind().String()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	}
	return fe.Field() + " is invalid"
}
