package internal

import (
	"fmt"
	"strings"

	appErr "codexxengine/pkg/errors"
)

// LanguageSet is the part of the instruction table validation needs.
type LanguageSet interface {
	Supported(language string) bool
	Languages() []string
}

// ValidateSubmission rejects requests that must not reach a container.
// Only zero-length code is empty; whitespace-only code still runs. A
// non-positive maxCodeLength disables the length check.
func ValidateSubmission(languages LanguageSet, language, code string, maxCodeLength int) error {
	if language == "" {
		return appErr.BadRequest("language is required")
	}
	if !languages.Supported(language) {
		return appErr.Newf(appErr.LanguageNotSupported,
			"Entered language is not supported. The languages currently supported are: %s.",
			strings.Join(languages.Languages(), ", "))
	}
	if code == "" {
		return appErr.New(appErr.EmptyCode)
	}
	if maxCodeLength > 0 && len(code) > maxCodeLength {
		return appErr.New(appErr.CodeTooLarge).
			WithMessage(fmt.Sprintf("Code length exceeds maximum limit: max length allowed is %d", maxCodeLength)).
			WithDetail("length", len(code))
	}
	return nil
}
