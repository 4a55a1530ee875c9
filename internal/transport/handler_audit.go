package transport

import (
	"net/http"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/model"
)

func handleAuditList(rec *audit.Recorder, errs *Errors, maxPageSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := parsePage(r, maxPageSize)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		q := r.URL.Query()
		entries, total, err := rec.List(r.Context(), model.MustAuthContext(r.Context()), model.AuditFilters{
			ResourceType: q.Get("resource_type"),
			ResourceID:   q.Get("resource_id"),
			ActorID:      q.Get("actor_id"),
			Limit:        p.limit(),
			Offset:       p.offset(),
		})
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newPage(entries, total, p))
	}
}
