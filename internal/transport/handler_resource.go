package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/procura/internal/resource"
	"github.com/pitabwire/procura/model"
)

// reservedQuery are list parameters that are never field filters.
var reservedQuery = map[string]bool{"page": true, "page_size": true, "sort": true, "order": true}

func handleResourceList(svc *resource.Service, errs *Errors, maxPageSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := svc.Definition(chi.URLParam(r, "resource"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		p, err := parsePage(r, maxPageSize)
		if err != nil {
			errs.Write(w, r, err)
			return
		}

		in := resource.ListInput{Page: p.Page, PageSize: p.PageSize, Sort: p.Sort, Descending: p.Descending}
		for key, values := range r.URL.Query() {
			if reservedQuery[key] || len(values) == 0 {
				continue
			}
			if in.Filters == nil {
				in.Filters = make(map[string]string)
			}
			in.Filters[key] = values[0]
		}

		page, err := svc.List(r.Context(), model.MustAuthContext(r.Context()), def, in)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	}
}

func handleResourceGet(svc *resource.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := svc.Definition(chi.URLParam(r, "resource"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		rec, err := svc.Get(r.Context(), model.MustAuthContext(r.Context()), def, chi.URLParam(r, "id"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleResourceCreate(svc *resource.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := svc.Definition(chi.URLParam(r, "resource"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		var body map[string]any
		if err := decodeJSON(r, &body); err != nil {
			errs.Write(w, r, err)
			return
		}
		rec, err := svc.Create(r.Context(), model.MustAuthContext(r.Context()), def, body)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, rec)
	}
}

// handleResourceWrite serves PUT (replace) and PATCH.
func handleResourceWrite(svc *resource.Service, errs *Errors, replace bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := svc.Definition(chi.URLParam(r, "resource"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		var body map[string]any
		if err := decodeJSON(r, &body); err != nil {
			errs.Write(w, r, err)
			return
		}

		ac := model.MustAuthContext(r.Context())
		id := chi.URLParam(r, "id")
		var rec model.Record
		if replace {
			rec, err = svc.Replace(r.Context(), ac, def, id, body)
		} else {
			rec, err = svc.Patch(r.Context(), ac, def, id, body)
		}
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleResourceDelete(svc *resource.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := svc.Definition(chi.URLParam(r, "resource"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		if err := svc.Delete(r.Context(), model.MustAuthContext(r.Context()), def, chi.URLParam(r, "id")); err != nil {
			errs.Write(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
