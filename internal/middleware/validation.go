package middleware

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/school-notify/internal/model"
)

var registerOnce sync.Once

// DefaultValidators are the custom binding tags request models use.
func DefaultValidators() map[string]validator.Func {
	return map[string]validator.Func{
		"channel": func(fl validator.FieldLevel) bool {
			return model.Channel(fl.Field().String()).Valid()
		},
	}
}

// RegisterValidators installs custom validators on gin's validator engine and
// reports fields by their json names. Safe to call more than once.
func RegisterValidators(custom map[string]validator.Func) {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		for tag, fn := range custom {
			if err := v.RegisterValidation(tag, fn); err != nil {
				panic(err)
			}
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
}

// ValidationMessage turns binding errors into one readable line.
func ValidationMessage(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		switch e.Tag() {
		case "required", "required_if", "required_without":
			msgs = append(msgs, e.Namespace()+" is required")
		case "url":
			msgs = append(msgs, e.Namespace()+" must be a URL")
		case "channel":
			msgs = append(msgs, e.Namespace()+" must be web_push or fcm")
		default:
			msgs = append(msgs, e.Namespace()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
