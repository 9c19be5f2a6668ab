// Package httptransport provides federation request authentication.
package httptransport

import (
	"net/http"
	"strings"

	"github.com/Eyecu/synapse/internal/admission/core"
)

// originFromRequest extracts the requesting server name from the X-Matrix
// Authorization header. Signature verification is the host server's
// concern; admission only needs a stable origin identity to key the
// limiter on.
func (t *HTTPTransport) originFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", core.Wrap(core.CodeUnauthorized, "missing authorization header", nil)
	}
	return parseXMatrixOrigin(header)
}

// parseXMatrixOrigin parses an authorization header of the form
//
//	X-Matrix origin="name",key="ed25519:1",sig="..."
//
// and returns the origin parameter. Values may be quoted or bare.
func parseXMatrixOrigin(header string) (string, error) {
	scheme, params, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "X-Matrix") {
		return "", core.Wrap(core.CodeUnauthorized, "unsupported authorization scheme", nil)
	}
	for _, param := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "origin") {
			continue
		}
		value = strings.Trim(value, `"`)
		if value == "" {
			break
		}
		return value, nil
	}
	return "", core.Wrap(core.CodeUnauthorized, "authorization header has no origin", nil)
}
