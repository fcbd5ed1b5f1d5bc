package validation

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
)

var validate = validator.New()

// ValidateStruct checks the validate tags of s and reports the first violation as *hverrors.ErrInvalidArgument.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		first := validationErrors[0]
		return errors.WithStack(&hverrors.ErrInvalidArgument{
			Name:    first.Field(),
			Value:   first.Value(),
			Message: "failed validation " + first.Tag(),
		})
	}
	return errors.WithStack(err)
}
