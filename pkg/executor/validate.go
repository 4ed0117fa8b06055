package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	// a leading dash would be read as an option by the ssh client
	_ = validate.RegisterValidation("noflag", func(fl validator.FieldLevel) bool {
		return !strings.HasPrefix(fl.Field().String(), "-")
	})
}

// Normalize fills in defaults (currently only the port).
func (t Target) Normalize() Target {
	if t.Port == 0 {
		t.Port = DefaultPort
	}
	return t
}

// Validate checks the required fields and the port range. The target is
// normalised first, so an unset port is accepted.
func (t Target) Validate() error {
	n := t.Normalize()
	if err := validate.Struct(n); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalidTarget, describe(verrs))
		}
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	var missing, other []string
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		if fe.Tag() == "required" || fe.Tag() == "notblank" {
			missing = append(missing, name)
			continue
		}
		other = append(other, fmt.Sprintf("%s fails %q", name, fe.Tag()))
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(missing, ", "))
	}
	parts = append(parts, other...)
	return strings.Join(parts, "; ")
}
