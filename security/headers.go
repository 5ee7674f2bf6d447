package security

import (
	"net/http"
	"net/url"
)

var baseSecurityHeaders = map[string]string{
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store, no-cache, must-revalidate, private",
	"Pragma":                  "no-cache",
}

// SetSecurityHeaders sets hardening headers on OAuth responses. Token and
// callback responses must never be cached or framed. HSTS is only sent when
// baseURL is https.
func SetSecurityHeaders(w http.ResponseWriter, baseURL string) {
	h := w.Header()
	for k, v := range baseSecurityHeaders {
		h.Set(k, v)
	}
	if u, err := url.Parse(baseURL); err == nil && u.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
