package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goliatone/go-shopify/core"
)

// RequestFromHTTP reads the raw body and copies headers and path. The body
// must be read unmodified for the signature to verify.
func RequestFromHTTP(r *http.Request, maxBytes int64) (ProcessRequest, error) {
	if r == nil {
		return ProcessRequest{}, invalidWebhookError("webhooks: request is nil", ReasonMissingHeaders, http.StatusBadRequest, nil)
	}
	if maxBytes <= 0 {
		maxBytes = core.DefaultWebhookBodyLimit
	}
	var body []byte
	if r.Body != nil {
		limited := io.LimitReader(r.Body, maxBytes+1)
		raw, err := io.ReadAll(limited)
		if err != nil {
			return ProcessRequest{}, invalidWebhookWrapError(err, "webhooks: read request body", ReasonMissingHeaders, http.StatusBadRequest, nil)
		}
		if int64(len(raw)) > maxBytes {
			return ProcessRequest{}, invalidWebhookError(
				fmt.Sprintf("webhooks: request body exceeds limit of %d bytes", maxBytes),
				ReasonBodyTooLarge,
				http.StatusRequestEntityTooLarge,
				map[string]any{"body_limit_b": maxBytes},
			)
		}
		body = raw
	}
	path := ""
	if r.URL != nil {
		path = r.URL.Path
	}
	return ProcessRequest{
		Body:    body,
		Headers: r.Header.Clone(),
		Path:    path,
	}, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewHTTPHandler mounts a Dispatcher as an http.Handler. Rejections answer
// with the status carried by the error.
func NewHTTPHandler(dispatcher *Dispatcher, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, errors.New("webhooks: method not allowed"))
			return
		}
		req, err := RequestFromHTTP(r, maxBytes)
		if err != nil {
			writeError(w, StatusCode(err), err)
			return
		}
		result, err := dispatcher.Process(r.Context(), req)
		if err != nil {
			writeError(w, StatusCode(err), err)
			return
		}
		for key, value := range result.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(result.StatusCode)
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	mapped := core.MapError(err)
	body := errorResponse{Error: err.Error(), Reason: Reason(err)}
	if mapped != nil {
		body.Code = mapped.TextCode
		if mapped.Message != "" {
			body.Error = mapped.Message
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
