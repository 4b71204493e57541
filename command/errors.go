package command

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/core"
)

func commandDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorInternal)
}

func commandValidationError(field string, message string) error {
	return goerrors.NewValidation("command: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

func registrationFailedError(shop string, topics []string) error {
	return goerrors.New("command: webhook registration failed for "+strings.Join(topics, ", "), goerrors.CategoryOperation).
		WithCode(http.StatusBadGateway).
		WithTextCode(core.ErrorOperationFailed).
		WithMetadata(map[string]any{"shop": shop, "topics": topics})
}
