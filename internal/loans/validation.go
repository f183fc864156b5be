package loans

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"loanledger/internal/core"
)

// NewValidator returns a validator that compares decimal.Decimal fields numerically,
// so tags such as gt=0 work on money fields, and reports fields by their JSON name.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidationError flattens validator errors into one ErrInvalidArgument.
func ValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", e.Field()))
		case "datetime":
			msgs = append(msgs, fmt.Sprintf("%s must be a date formatted as %s", e.Field(), e.Param()))
		case "gt", "gte", "lt", "lte", "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", e.Field(), e.Tag(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", e.Field(), e.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", core.ErrInvalidArgument, strings.Join(msgs, "; "))
}
