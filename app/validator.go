package parley

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

// translations maps a validation tag to its english message.
// {0} is the field namespace and {1} the tag parameter.
var translations = map[string]string{
	"required": "{0} is a required field",
	"oneof":    "{0} must be one of [{1}]",
	"gte":      "{0} must be at least {1}",
	"port":     "{0} must be a valid port number",
}

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	english := en.New()
	uniTrans = ut.New(english, english)
	enTrans, _ := uniTrans.GetTranslator("en")

	// report fields by their config key: lowercase first letter
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := field.Name
		return strings.ToLower(name[:1]) + name[1:]
	})

	validate.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		port, ok := fl.Field().Interface().(int)
		return ok && port > 0 && port <= 65535
	})

	for tag, text := range translations {
		validate.RegisterTranslation(tag, enTrans, func(trans ut.Translator) error {
			return trans.Add(tag, text, true)
		}, translateField)
	}
}

func translateField(trans ut.Translator, fe validator.FieldError) string {
	t, err := trans.T(fe.Tag(), fe.Namespace(), fe.Param())
	if err != nil {
		return fe.Error()
	}
	return t
}
