package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/goclaw/ordersaga/config"
)

// CORS answers browser cross-origin checks for the saga API. The allowed origin is echoed
// back rather than sent as "*", so credentialed dashboards keep working with a wildcard
// allow list. X-Request-ID is always exposed.
func CORS(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	if cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	p := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin == "" || !p.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			if p.credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if p.methods != "" {
					h.Set("Access-Control-Allow-Methods", p.methods)
				}
				if p.headers != "" {
					h.Set("Access-Control-Allow-Headers", p.headers)
				}
				if p.maxAge != "" {
					h.Set("Access-Control-Max-Age", p.maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.Set("Access-Control-Expose-Headers", p.exposed)
			next.ServeHTTP(w, r)
		})
	}
}

type corsPolicy struct {
	anyOrigin   bool
	origins     map[string]struct{}
	methods     string
	headers     string
	exposed     string
	maxAge      string
	credentials bool
}

func newCORSPolicy(cfg *config.CORSConfig) corsPolicy {
	p := corsPolicy{
		origins:     make(map[string]struct{}, len(cfg.AllowedOrigins)),
		methods:     strings.Join(cfg.AllowedMethods, ", "),
		headers:     strings.Join(cfg.AllowedHeaders, ", "),
		credentials: cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.anyOrigin = true
			continue
		}
		p.origins[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	exposed := []string{"X-Request-ID"}
	for _, hdr := range cfg.ExposedHeaders {
		if !strings.EqualFold(hdr, "X-Request-ID") {
			exposed = append(exposed, hdr)
		}
	}
	p.exposed = strings.Join(exposed, ", ")

	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}
