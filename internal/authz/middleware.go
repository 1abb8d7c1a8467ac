package authz

import (
	"net/http"
	"strings"

	"log/slog"

	"github.com/agrinova/agrinova/internal/shared"
)

// Middleware wires feature gates for HTTP handlers. Gates resolve through
// the feature set cache, so a hot path costs one Redis read.
type Middleware struct {
	Cache  *FeatureSetCache
	Logger *slog.Logger
}

// RequireFeature ensures the current identity holds every listed feature.
func (m Middleware) RequireFeature(features ...string) func(http.Handler) http.Handler {
	normalized := normalizeFeatures(features)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			set, ok := m.featureSet(w, r)
			if !ok {
				return
			}
			for _, name := range normalized {
				if !set.HasFeature(name) {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyFeature ensures the current identity holds at least one of the
// listed features.
func (m Middleware) RequireAnyFeature(features ...string) func(http.Handler) http.Handler {
	normalized := normalizeFeatures(features)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			set, ok := m.featureSet(w, r)
			if !ok {
				return
			}
			for _, name := range normalized {
				if set.HasFeature(name) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func (m Middleware) featureSet(w http.ResponseWriter, r *http.Request) (*UserFeatureSet, bool) {
	ident := shared.IdentityFromContext(r.Context())
	if ident == nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return nil, false
	}
	set, err := m.Cache.Get(r.Context(), ident.UserID, ident.Role)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("authz feature gate", slog.Any("error", err))
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, false
	}
	return set, true
}

func normalizeFeatures(features []string) []string {
	unique := make(map[string]struct{}, len(features))
	for _, f := range features {
		f = strings.TrimSpace(strings.ToLower(f))
		if f == "" {
			continue
		}
		unique[f] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for f := range unique {
		normalized = append(normalized, f)
	}
	return normalized
}
