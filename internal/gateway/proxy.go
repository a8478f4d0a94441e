package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"throttle/internal/models"
)

// newReverseProxy returns a proxy forwarding to the route's upstream. With
// StripPrefix the route path is removed before the upstream path is joined.
func newReverseProxy(rc models.RouteConfig) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	prefix := strings.TrimSuffix(rc.Path, "/")

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if rc.StripPrefix {
				pr.Out.URL.Path = stripPrefix(pr.In.URL.Path, prefix)
				pr.Out.URL.RawPath = ""
			}
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Error("Upstream request failed", "route", rc.ID, "upstream", target.Host, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			errorResp := models.NewErrorResponse("Upstream unavailable", models.ErrorCodeBadGateway).
				WithDetail("route", rc.ID)
			json.NewEncoder(w).Encode(errorResp)
		},
	}, nil
}

func stripPrefix(path, prefix string) string {
	p := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
