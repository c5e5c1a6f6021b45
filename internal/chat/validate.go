package chat

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"staychat/internal/chaterr"
	"staychat/internal/store"
)

var validate = validator.New()

// Validate checks struct tags on v and converts the first failure into a
// ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return chaterr.Validation(fe.Field(), fmt.Sprintf("failed on %q", fe.Tag()))
	}
	return chaterr.Validation("", err.Error())
}

func validateSend(req SendRequest) error {
	if err := Validate(req); err != nil {
		return err
	}
	if !store.HasBody(req.Content, req.Image) {
		return chaterr.Validation("content", "content or image is required")
	}
	return nil
}
