// Package transcriber is the client for the upstream real-time transcription
// API: session negotiation over HTTPS and the audio/event socket.
package transcriber

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Audio format sent upstream.
const (
	Encoding   = "wav/pcm"
	SampleRate = 16000
	BitDepth   = 16
	Channels   = 1
)

// AutoLanguage selects code-switching across every supported language.
const AutoLanguage = "auto"

// TranslationModel is the model tier requested with translation.
const TranslationModel = "enhanced"

// Languages is the set of explicit language codes the API accepts here.
var Languages = []string{"fr", "en", "es", "de", "it", "pt", "ja", "zh", "ko", "ar"}

var (
	ErrUnauthorized  = errors.New("transcriber: unauthorized")
	ErrQuotaExceeded = errors.New("transcriber: quota exceeded")
	ErrInvalidConfig = errors.New("transcriber: invalid config")
)

// UpstreamError is any other negotiation failure. Status is 0 when no HTTP
// response arrived (timeout, network failure).
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transcriber: upstream request failed: %v", e.Err)
	}
	return fmt.Sprintf("transcriber: upstream returned status %d", e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Config is the per-session configuration. It is built fresh for every
// session and never changed while one is open.
type Config struct {
	APIKey           string  `json:"-"`
	Language         string  `json:"language" validate:"required,language"`
	TranslateTo      string  `json:"translateTo,omitempty" validate:"omitempty,target"`
	SilenceThreshold float64 `json:"silenceThreshold" validate:"gt=0,lte=10"`
	MaxDuration      float64 `json:"maxDuration" validate:"gt=0,lte=60"`
	Vocabulary       string  `json:"vocabulary,omitempty" validate:"max=10000"`
}

// Translating reports whether a translation target is set.
func (c Config) Translating() bool { return c.TranslateTo != "" }

// RegisterValidations adds the "language" and "target" tags to v.
func RegisterValidations(v *validator.Validate) {
	v.RegisterValidation("language", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		return code == AutoLanguage || slices.Contains(Languages, code)
	})
	v.RegisterValidation("target", func(fl validator.FieldLevel) bool {
		return slices.Contains(Languages, fl.Field().String())
	})
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	RegisterValidations(v)
	return v
}()

// Validate checks the fields that would otherwise fail at the API.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(ves))
	for _, e := range ves {
		switch e.Tag() {
		case "language", "target":
			msgs = append(msgs, fmt.Sprintf("unsupported %s %q", e.Field(), e.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s%s", e.Field(), e.Tag(), param(e.Param())))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

var vocabSep = regexp.MustCompile(`[,;]+`)

// ParseVocabulary splits a comma or semicolon separated word list, trimming
// entries and dropping blanks.
func ParseVocabulary(s string) []string {
	var words []string
	for _, w := range vocabSep.Split(s, -1) {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return words
}
