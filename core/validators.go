package core

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// OTPLength is the number of digits in a one-time passcode.
const OTPLength = 6

var (
	// custom validation tags & texts
	tenantIDTag   = "tenantid"
	tenantIDText  = "must be 3 to 63 letters, digits, '-' or '_', starting and ending with a letter or digit"
	TenantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{1,61}[a-zA-Z0-9]$`)

	universityIDTag   = "universityid"
	universityIDText  = "only letters, digits, '-', '_', '/' and '.' are allowed"
	universityIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_./-]{0,63}$`)

	otpTag  = "otp"
	otpText = "must be exactly 6 digits"

	requiredTag  = "required"
	emailTag     = "email"
	emailText    = "enter a valid email address"
	requiredText = "this field is required"
)

// NewTranslator returns the english translator used for validation messages.
func NewTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

// NewValidator returns a validator with all custom tags and translations registered.
func NewValidator(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	InitValidators(validate, translator)
	return validate
}

// InitValidators instantiates the validator for use.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// register custom validators
	_ = validate.RegisterValidation(tenantIDTag, tenantIDValidation)
	RegisterCustomTranslation(validate, translator, tenantIDTag, tenantIDText)

	_ = validate.RegisterValidation(universityIDTag, universityIDValidation)
	RegisterCustomTranslation(validate, translator, universityIDTag, universityIDText)

	_ = validate.RegisterValidation(otpTag, otpValidation)
	RegisterCustomTranslation(validate, translator, otpTag, otpText)

	RegisterCustomTranslation(validate, translator, requiredTag, requiredText, true)
	RegisterCustomTranslation(validate, translator, emailTag, emailText, true)
}

// RegisterCustomTranslation registers a custom translation for the specified validation tag.
func RegisterCustomTranslation(validate *validator.Validate, translator ut.Translator, tag, text string, override ...bool) {
	var ovrd bool
	if len(override) > 0 {
		ovrd = override[0]
	}
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, ovrd) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// TranslateErrors turns validator errors into a ValidationError keyed by JSON field name.
func TranslateErrors(err error, translator ut.Translator) error {
	vErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	flds := make([]FieldError, 0, len(vErrs))
	for _, vErr := range vErrs {
		flds = append(flds, FieldError{Field: vErr.Field(), Error: vErr.Translate(translator)})
	}
	return NewValidationError(err, flds...)
}

// Custom Global Validators

func tenantIDValidation(fl validator.FieldLevel) bool {
	return TenantIDRegex.MatchString(fl.Field().String())
}

func universityIDValidation(fl validator.FieldLevel) bool {
	return universityIDRegex.MatchString(strings.TrimSpace(fl.Field().String()))
}

func otpValidation(fl validator.FieldLevel) bool {
	return IsDigits(fl.Field().String(), OTPLength)
}
