package httputil

import (
	"net/http"
)

const UserAgent = "CovidCanada/1.0"

// NewClient returns an HTTP client that identifies itself with UserAgent.
// No overall timeout is set; callers bound requests with their context.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{base: http.DefaultTransport},
	}
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", UserAgent)
	return t.base.RoundTrip(r)
}
