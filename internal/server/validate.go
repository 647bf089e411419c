package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/amanullahtanweer/caption-relay/internal/broadcast"
	"github.com/amanullahtanweer/caption-relay/internal/transcriber"
)

// MaxTextLength is the longest caption /broadcast accepts, in characters.
const MaxTextLength = 10000

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	transcriber.RegisterValidations(v)
	return v
}

// FieldErrors maps a JSON field name to its validation messages.
type FieldErrors map[string][]string

func (fe FieldErrors) add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for field, msgs := range fe {
		parts = append(parts, field+": "+strings.Join(msgs, ", "))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

type broadcastRequest struct {
	Text *string `json:"text" validate:"required,min=1,max=10000"`
}

type styleRequest struct {
	FontSize *float64 `json:"fontSize" validate:"omitempty,min=8,max=200"`
	PosX     *float64 `json:"posX" validate:"omitempty,min=0,max=100"`
	PosY     *float64 `json:"posY" validate:"omitempty,min=0,max=100"`
	BgStyle  *string  `json:"bgStyle" validate:"omitempty,oneof=none box"`
}

func (r styleRequest) style() broadcast.Style {
	return broadcast.Style{FontSize: r.FontSize, PosX: r.PosX, PosY: r.PosY, BgStyle: r.BgStyle}
}

// settingsRequest is a partial update of the session settings.
type settingsRequest struct {
	Language         *string  `json:"language" validate:"omitempty,language"`
	TranslateTo      *string  `json:"translateTo" validate:"omitempty,target"`
	SilenceThreshold *float64 `json:"silenceThreshold" validate:"omitempty,gt=0,lte=10"`
	MaxDuration      *float64 `json:"maxDuration" validate:"omitempty,gt=0,lte=60"`
	Vocabulary       *string  `json:"vocabulary" validate:"omitempty,max=10000"`
	DeviceID         *string  `json:"deviceId"`
}

// apply merges the request into cfg and deviceID.
func (r settingsRequest) apply(cfg *transcriber.Config, deviceID *string) {
	if r.Language != nil {
		cfg.Language = *r.Language
	}
	if r.TranslateTo != nil {
		cfg.TranslateTo = *r.TranslateTo
	}
	if r.SilenceThreshold != nil {
		cfg.SilenceThreshold = *r.SilenceThreshold
	}
	if r.MaxDuration != nil {
		cfg.MaxDuration = *r.MaxDuration
	}
	if r.Vocabulary != nil {
		cfg.Vocabulary = *r.Vocabulary
	}
	if r.DeviceID != nil {
		*deviceID = *r.DeviceID
	}
}

func decodeSettings(body []byte) (settingsRequest, error) {
	var req settingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	return req, check(req)
}

// decodeBroadcast parses and validates a /broadcast body.
func decodeBroadcast(body []byte) (string, error) {
	var req broadcastRequest
	if err := json.Unmarshal(body, &req); err != nil {
		fe := FieldErrors{}
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field == "text" {
			fe.add("text", "Field 'text' must be a string")
			return "", fe
		}
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if err := check(req); err != nil {
		return "", err
	}
	return *req.Text, nil
}

// decodeStyle parses a /style body. Numeric fields accept numbers or numeric
// strings.
func decodeStyle(body []byte) (broadcast.Style, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return broadcast.Style{}, fmt.Errorf("invalid JSON: %w", err)
	}

	var req styleRequest
	fe := FieldErrors{}
	for field, dst := range map[string]**float64{
		"fontSize": &req.FontSize,
		"posX":     &req.PosX,
		"posY":     &req.PosY,
	} {
		v, present, err := coerceNumber(raw[field])
		switch {
		case err != nil:
			fe.add(field, err.Error())
		case present:
			*dst = &v
		}
	}
	if msg, ok := raw["bgStyle"]; ok && string(msg) != "null" {
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			fe.add("bgStyle", "Expected 'none' | 'box'")
		} else {
			req.BgStyle = &s
		}
	}
	if len(fe) > 0 {
		return broadcast.Style{}, fe
	}
	if err := check(req); err != nil {
		return broadcast.Style{}, err
	}
	return req.style(), nil
}

// coerceNumber reads a JSON number or numeric string. present is false for
// a missing or null field.
func coerceNumber(msg json.RawMessage) (v float64, present bool, err error) {
	if len(msg) == 0 || string(msg) == "null" {
		return 0, false, nil
	}
	if err := json.Unmarshal(msg, &v); err == nil {
		return v, true, nil
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return 0, false, errors.New("Expected number")
	}
	v, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false, errors.New("Expected number, received nan")
	}
	return v, true, nil
}

// check runs struct validation and converts failures to FieldErrors.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	fe := FieldErrors{}
	for _, e := range ves {
		fe.add(e.Field(), message(e))
	}
	return fe
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", e.Field())
	case "min":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("Field '%s' cannot be empty", e.Field())
		}
		return fmt.Sprintf("Number must be greater than or equal to %s", e.Param())
	case "max":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("Field '%s' exceeds maximum length of %s characters", e.Field(), e.Param())
		}
		return fmt.Sprintf("Number must be less than or equal to %s", e.Param())
	case "language", "target":
		return fmt.Sprintf("Unsupported language '%s'", e.Value())
	case "oneof":
		return "Expected '" + strings.Join(strings.Fields(e.Param()), "' | '") + "'"
	case "gt":
		return fmt.Sprintf("Number must be greater than %s", e.Param())
	case "lte":
		return fmt.Sprintf("Number must be less than or equal to %s", e.Param())
	default:
		return fmt.Sprintf("Failed on '%s'", e.Tag())
	}
}
