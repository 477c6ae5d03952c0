package reports

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// authenticator gates requests on a static API key, or alternatively an
// HS256 JWT verifying against the configured secret. Mutating methods
// always require auth; reads only when ReadAuth is set or the path is
// under an admin prefix. With neither key nor secret configured the API
// runs open, which is the local-development mode.
type authenticator struct {
	apiKey    string
	jwtSecret []byte
	readAuth  bool
	public    []string
	admin     []string
}

func newAuthenticator(cfg Config) *authenticator {
	var a = &authenticator{
		apiKey:   cfg.APIKey,
		readAuth: cfg.ReadAuth,
		public:   cfg.PublicPrefixes,
		admin:    cfg.AdminPrefixes,
	}
	if cfg.JWTSecret != "" {
		a.jwtSecret = []byte(cfg.JWTSecret)
	}
	if a.open() && (a.readAuth || len(a.admin) > 0) {
		log.Warn("api auth requested but no api key or jwt secret configured, running open")
	}
	return a
}

func (a *authenticator) open() bool {
	return a.apiKey == "" && len(a.jwtSecret) == 0
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.required(r) || a.open() || a.authenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	})
}

// required decides whether the request needs credentials. Admin prefixes
// win over public ones.
func (a *authenticator) required(r *http.Request) bool {
	var path = r.URL.Path
	if hasPrefix(path, a.admin) {
		return true
	}
	if hasPrefix(path, a.public) {
		return false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return a.readAuth
	default:
		return true
	}
}

func (a *authenticator) authenticated(r *http.Request) bool {
	for _, credential := range credentials(r) {
		if a.apiKey != "" && credential == a.apiKey {
			return true
		}
		if len(a.jwtSecret) > 0 && a.verifyJWT(credential) {
			return true
		}
	}
	return false
}

func (a *authenticator) verifyJWT(token string) bool {
	// Token shape gate: the api key itself must never reach the parser.
	if strings.Count(token, ".") != 2 {
		return false
	}
	var _, err = jwt.Parse(token, func(*jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil
}

func credentials(r *http.Request) []string {
	var out []string
	if v := r.Header.Get("X-API-Key"); v != "" {
		out = append(out, v)
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		out = append(out, strings.TrimPrefix(v, "Bearer "))
	}
	if v := r.URL.Query().Get("api_key"); v != "" {
		out = append(out, v)
	}
	return out
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
