package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// structValidate is shared by every type carrying validate tags.
var structValidate *validator.Validate

func init() {
	structValidate = validator.New()
	_ = structValidate.RegisterValidation("timeframe", validateTimeframe)
}

func validateTimeframe(fl validator.FieldLevel) bool {
	_, ok := ParseTimeframe(fl.Field().String())
	return ok
}

// ValidateStruct runs tag validation and flattens the failures into one
// error listing every offending field.
func ValidateStruct(v any) error {
	err := structValidate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
