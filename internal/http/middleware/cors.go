package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

type CORSConfig struct {
	// AllowedOrigins holds exact origins, "*" or subdomain patterns such as
	// "https://*.example.com".
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAgeSeconds  int
}

type corsPolicy struct {
	anyOrigin bool
	exact     map[string]struct{}
	suffixes  []originSuffix

	methods string
	headers string
	maxAge  string
}

type originSuffix struct {
	scheme string
	suffix string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	policy := &corsPolicy{
		exact:   make(map[string]struct{}),
		methods: strings.Join(orDefault(cfg.AllowedMethods, http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions), ", "),
		headers: strings.Join(orDefault(cfg.AllowedHeaders, "Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Actor-Id", requestIDHeader), ", "),
		maxAge:  "600",
	}
	if cfg.MaxAgeSeconds > 0 {
		policy.maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	}

	for _, raw := range cfg.AllowedOrigins {
		origin := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case origin == "":
		case origin == "*":
			policy.anyOrigin = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*")
			policy.suffixes = append(policy.suffixes, originSuffix{scheme: scheme + "://", suffix: host})
		default:
			policy.exact[origin] = struct{}{}
		}
	}
	return policy
}

// allow returns the Access-Control-Allow-Origin value for origin.
func (p *corsPolicy) allow(origin string) (string, bool) {
	if p.anyOrigin {
		return "*", true
	}
	lower := strings.ToLower(origin)
	if _, ok := p.exact[lower]; ok {
		return origin, true
	}
	for _, candidate := range p.suffixes {
		if !strings.HasPrefix(lower, candidate.scheme) {
			continue
		}
		host := strings.TrimPrefix(lower, candidate.scheme)
		if len(host) > len(candidate.suffix) && strings.HasSuffix(host, candidate.suffix) {
			return origin, true
		}
	}
	return "", false
}

// CORS answers preflights and tags responses for allowed origins. Requests
// from other origins pass through untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, ok := policy.allow(origin)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			header.Set("Access-Control-Allow-Origin", allowed)
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			header.Add("Vary", "Access-Control-Request-Method")
			header.Add("Vary", "Access-Control-Request-Headers")
			header.Set("Access-Control-Allow-Methods", policy.methods)
			header.Set("Access-Control-Allow-Headers", policy.headers)
			header.Set("Access-Control-Max-Age", policy.maxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func orDefault(values []string, fallback ...string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
