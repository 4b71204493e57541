package auth

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/core"
)

const (
	ErrorMissingJWTToken = "SHOPIFY_MISSING_JWT_TOKEN"
	ErrorInvalidJWT      = "SHOPIFY_INVALID_JWT"
)

// MissingJWTTokenError is returned when a request carries no bearer token.
func MissingJWTTokenError(msg string) *goerrors.Error {
	return goerrors.New(msg, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(ErrorMissingJWTToken)
}

// InvalidJWTError wraps a token that failed parsing or claim validation.
func InvalidJWTError(cause error, msg string) *goerrors.Error {
	if cause == nil {
		return goerrors.New(msg, goerrors.CategoryAuth).
			WithCode(http.StatusUnauthorized).
			WithTextCode(ErrorInvalidJWT)
	}
	return goerrors.Wrap(cause, goerrors.CategoryAuth, msg).
		WithCode(http.StatusUnauthorized).
		WithTextCode(ErrorInvalidJWT)
}

func IsMissingJWTToken(err error) bool {
	return core.HasTextCode(err, ErrorMissingJWTToken)
}

func IsInvalidJWT(err error) bool {
	return core.HasTextCode(err, ErrorInvalidJWT)
}
