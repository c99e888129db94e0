package http

import (
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/exp/slog"
)

// API endpoint paths.
const (
	StatusPath = "/status"
	CopyPath   = "/copy"
)

// endpointURL returns rawurl stripped of everything but the scheme & host with
// path appended.
func endpointURL(rawurl, path string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", fmt.Errorf("invalid client URL: %w", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid URL scheme")
	} else if u.Host == "" {
		return "", fmt.Errorf("URL host required")
	}

	*u = url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   path,
	}
	return u.String(), nil
}

// Error logs err and writes it to w with the given status code.
func Error(w http.ResponseWriter, r *http.Request, err error, code int) {
	slog.Warn("http error", slog.String("path", r.URL.Path), slog.Int("code", code), slog.Any("err", err))
	http.Error(w, err.Error(), code)
}
