package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/procura/internal/procurement"
	"github.com/pitabwire/procura/model"
)

func handleRequestList(svc *procurement.Service, errs *Errors, maxPageSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := model.MustAuthContext(r.Context())
		p, err := parsePage(r, maxPageSize)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		q := r.URL.Query()
		f := model.RequestFilters{
			Status:      model.RequestStatus(q.Get("status")),
			RequesterID: q.Get("requester_id"),
			Category:    q.Get("category"),
			Sort:        p.Sort,
			Descending:  p.Descending,
			Limit:       p.limit(),
			Offset:      p.offset(),
		}
		if q.Get("mine") == "true" {
			f.RequesterID = ac.UserID
		}

		reqs, total, err := svc.List(r.Context(), ac, f)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newPage(reqs, total, p))
	}
}

func handleRequestCreate(svc *procurement.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in procurement.CreateInput
		if err := decodeJSON(r, &in); err != nil {
			errs.Write(w, r, err)
			return
		}
		req, err := svc.Create(r.Context(), model.MustAuthContext(r.Context()), in)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleRequestGet(svc *procurement.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := svc.Get(r.Context(), model.MustAuthContext(r.Context()), chi.URLParam(r, "requestID"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleRequestUpdate(svc *procurement.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in procurement.UpdateInput
		if err := decodeJSON(r, &in); err != nil {
			errs.Write(w, r, err)
			return
		}
		req, err := svc.Update(r.Context(), model.MustAuthContext(r.Context()), chi.URLParam(r, "requestID"), in)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleRequestTransition(svc *procurement.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in procurement.TransitionInput
		if err := decodeJSON(r, &in); err != nil {
			errs.Write(w, r, err)
			return
		}
		req, err := svc.Transition(r.Context(), model.MustAuthContext(r.Context()), chi.URLParam(r, "requestID"), in)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleRequestSteps(svc *procurement.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		steps, err := svc.Steps(r.Context(), model.MustAuthContext(r.Context()), chi.URLParam(r, "requestID"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": steps})
	}
}

func handleRequestActivity(svc *procurement.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acts, err := svc.Activity(r.Context(), model.MustAuthContext(r.Context()), chi.URLParam(r, "requestID"))
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": acts})
	}
}

func handleApprovalList(svc *procurement.Service, errs *Errors, maxPageSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := model.MustAuthContext(r.Context())
		p, err := parsePage(r, maxPageSize)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		q := r.URL.Query()
		f := model.ApprovalFilters{
			ApproverID: q.Get("approver_id"),
			Status:     model.StepStatus(q.Get("status")),
			RequestID:  q.Get("request_id"),
			Sort:       p.Sort,
			Descending: p.Descending,
			Limit:      p.limit(),
			Offset:     p.offset(),
		}

		steps, total, err := svc.ListApprovals(r.Context(), ac, q.Get("mine") == "true", f)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newPage(steps, total, p))
	}
}

func handleApprovalDecision(svc *procurement.Service, errs *Errors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in procurement.DecisionInput
		if err := decodeJSON(r, &in); err != nil {
			errs.Write(w, r, err)
			return
		}
		step, err := svc.Decide(r.Context(), model.MustAuthContext(r.Context()), chi.URLParam(r, "stepID"), in)
		if err != nil {
			errs.Write(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, step)
	}
}
