package openapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/procura/model"
)

// DefinitionSource is the registry view the handler needs.
type DefinitionSource interface {
	All() []model.ResourceDefinition
	Checksum() string
}

// Handler serves the generated document as JSON. The document is rebuilt
// only when the definition checksum changes.
type Handler struct {
	source  DefinitionSource
	version string
	logger  *zap.Logger

	mu       sync.Mutex
	checksum string
	body     []byte
}

// NewHandler creates the /openapi.json handler.
func NewHandler(source DefinitionSource, version string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{source: source, version: version, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := h.document(r)
	if err != nil {
		h.logger.Error("openapi document generation failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(model.NewInternalError())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *Handler) document(r *http.Request) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sum := h.source.Checksum()
	if h.body != nil && sum == h.checksum {
		return h.body, nil
	}
	doc, err := Build(r.Context(), h.version, h.source.All())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	h.checksum, h.body = sum, body
	return body, nil
}
