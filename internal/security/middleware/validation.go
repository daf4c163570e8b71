package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const maxBodyBytes = 64 << 10

func hasBody(r *http.Request) bool {
	return r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch
}

// ValidateJSONContentType rejects non-empty write bodies that are not JSON
func ValidateJSONContentType(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasBody(r) || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			if !strings.Contains(contentType, "application/json") {
				log.Warn("invalid content type",
					slog.String("path", r.URL.Path),
					slog.String("content_type", contentType),
					slog.String("method", r.Method),
				)
				writeTypedError(w, http.StatusUnsupportedMediaType, "VALIDATION", "Content-Type must be application/json")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSONFields rejects bodies that are not a JSON object holding every
// named field. The body is restored so the handler can decode it again.
func RequireJSONFields(fields []string, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasBody(r) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeTypedError(w, http.StatusRequestEntityTooLarge, "VALIDATION", "request body too large")
					return
				}
				writeTypedError(w, http.StatusBadRequest, "VALIDATION", "failed to read body")
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			var payload map[string]json.RawMessage
			if err := json.Unmarshal(body, &payload); err != nil {
				log.Warn("invalid json payload",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeTypedError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
				return
			}

			for _, field := range fields {
				if _, ok := payload[field]; !ok {
					log.Warn("missing required field",
						slog.String("path", r.URL.Path),
						slog.String("field", field),
					)
					writeTypedError(w, http.StatusBadRequest, "VALIDATION", "missing required field: "+field)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

var dangerousChars = []string{"<", ">", "\"", "'"}

// SanitizeInputs rejects markup in query parameters and path traversal
func SanitizeInputs(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for key, values := range r.URL.Query() {
				for _, val := range values {
					for _, char := range dangerousChars {
						if strings.Contains(val, char) {
							log.Warn("suspicious input detected",
								slog.String("path", r.URL.Path),
								slog.String("param", key),
								slog.String("pattern", char),
							)
							writeTypedError(w, http.StatusBadRequest, "VALIDATION", "invalid characters in "+key)
							return
						}
					}
				}
			}

			if strings.Contains(r.URL.Path, "..") || strings.Contains(r.URL.Path, "//") {
				log.Warn("suspicious path pattern detected", slog.String("path", r.URL.Path))
				writeTypedError(w, http.StatusBadRequest, "VALIDATION", "invalid path")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
