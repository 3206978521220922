package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/catalog"
)

// handleListModels serves the cached model list for scope.
func (s *server) handleListModels(scope catalog.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.deps.Catalog.Models(scope))
	}
}

// handleAWSModels serves /aws/{family}/v1/models.
func (s *server) handleAWSModels(w http.ResponseWriter, r *http.Request) {
	scope, err := catalog.AWSFamilyScope(chi.URLParam(r, "family"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Catalog.Models(scope))
}

type nativeModel struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

type nativeModelList struct {
	Models []nativeModel `json:"models"`
}

var nativeMethods = []string{"generateContent", "streamGenerateContent", "countTokens"}

// handleNativeModels serves the google-ai model list in the Gemini API's
// own shape, derived from the same cached catalog.
func (s *server) handleNativeModels(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Catalog.Models(catalog.VendorScope(gateway.VendorGoogleAI))
	out := nativeModelList{Models: make([]nativeModel, 0, len(list.Data))}
	for _, m := range list.Data {
		out.Models = append(out.Models, nativeModel{
			Name:                       "models/" + strings.TrimPrefix(m.ID, "models/"),
			DisplayName:                m.ID,
			SupportedGenerationMethods: nativeMethods,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
