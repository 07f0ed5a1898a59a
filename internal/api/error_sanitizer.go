package api

import (
	"net/http"

	"github.com/BlackQuiet/server/internal/pkg/logger"
)

// =============================================================================
// ERROR SANITIZER
// Internal errors (socket details, file paths, credentials embedded in DSNs)
// are never leaked to API consumers outside development mode. The full error
// is logged server-side; the client gets a generic safe message.
// =============================================================================

// respondSafeError logs the internal error and sends a sanitized JSON error
// response. In development mode the real error text is returned instead.
func (s *Server) respondSafeError(w http.ResponseWriter, code int, internalErr error, publicMsg string) {
	if internalErr != nil {
		logger.Error("request failed", "status", code, "public", publicMsg, "error", internalErr.Error())
	}
	if s.devMode && internalErr != nil {
		respondError(w, code, internalErr.Error())
		return
	}
	respondError(w, code, publicMsg)
}
