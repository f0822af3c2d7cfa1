package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json paths ("scheduler.interval") instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
		return err == nil && d >= 0
	})
	return v
}

// Validate checks field formats and cross-field rules. The first problem
// found is returned as "path: reason".
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%s: %s", fieldPath(f.Namespace()), describe(f))
		}
		return err
	}

	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return errors.New("logging.telegram.chat_id: required when logging.telegram.enabled is true")
	}
	if cfg.Verifier.Cache.Driver == "redis" && strings.TrimSpace(cfg.Verifier.Cache.Redis.Addr) == "" {
		return errors.New("verifier.cache.redis.addr: required when verifier.cache.driver is redis")
	}
	return nil
}

func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}

func describe(f validator.FieldError) string {
	switch f.Tag() {
	case "required":
		return "is required"
	case "duration":
		return fmt.Sprintf("invalid duration %q", f.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", f.Param())
	case "timezone":
		return fmt.Sprintf("unknown time zone %q", f.Value())
	case "url":
		return fmt.Sprintf("invalid url %q", f.Value())
	case "gte":
		return "must be >= " + f.Param()
	case "lte":
		return "must be <= " + f.Param()
	default:
		return fmt.Sprintf("failed %q check", f.Tag())
	}
}
