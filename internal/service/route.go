package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

var routeMethods = map[string]string{
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"patch":  http.MethodPatch,
	"delete": http.MethodDelete,
}

// parseRoute splits "post:/path" into POST and /path. A bare path is GET.
func parseRoute(key string) (method, path string, err error) {
	method, path = http.MethodGet, key
	if prefix, rest, ok := strings.Cut(key, ":"); ok && !strings.HasPrefix(key, "/") {
		m, known := routeMethods[strings.ToLower(prefix)]
		if !known {
			return "", "", fmt.Errorf("%w: %q has unknown method %q", ErrBadRoute, key, prefix)
		}
		method, path = m, rest
	}
	if !strings.HasPrefix(path, "/") {
		return "", "", fmt.Errorf("%w: %q must start with /", ErrBadRoute, key)
	}
	return method, path, nil
}

// trackingWriter remembers whether anything was written.
type trackingWriter struct {
	http.ResponseWriter
	written bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// writeBody writes strings and bytes as-is, nil as an empty body and
// anything else as JSON.
func writeBody(w http.ResponseWriter, data any) {
	switch v := data.(type) {
	case nil:
		w.WriteHeader(http.StatusOK)
	case string:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		w.Write([]byte(v))
	case []byte:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.Write(v)
	default:
		body, err := json.Marshal(v)
		if err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}
