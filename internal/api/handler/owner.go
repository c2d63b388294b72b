package handler

import (
	"net/http"
	"strings"

	mw "github.com/kiranshivaraju/autopost/internal/api/middleware"
	"github.com/kiranshivaraju/autopost/internal/api/response"
)

// resolveOwner picks the owner an operator request acts on. Keys are bound
// to one owner; only admin keys may name another. It writes the error
// response and returns false when the request must stop.
func resolveOwner(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	own, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return "", false
	}

	requested = strings.TrimSpace(requested)
	if requested == "" || requested == own {
		return own, true
	}
	if mw.HasScope(r, mw.ScopeAdmin) {
		return requested, true
	}
	response.Error(w, http.StatusForbidden, "FORBIDDEN", "Key may not act for another owner", nil)
	return "", false
}

// firstNonEmpty returns the first non-blank value. Several request fields
// have historical alternate spellings.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
