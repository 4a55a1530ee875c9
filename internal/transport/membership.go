package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/model"
)

// MembershipResolver looks up the caller's membership of an organization.
type MembershipResolver interface {
	Resolve(ctx context.Context, orgID, userID string) (model.Membership, error)
}

// OrgMembership resolves the {orgID} route parameter against the caller's
// memberships and stores the resulting AuthContext. Unknown organizations,
// non-members and inactive members all get the same 403.
func OrgMembership(members MembershipResolver, errs *Errors) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFrom(r.Context())
			if id == nil {
				errs.Write(w, r, model.NewUnauthorizedError("Missing credentials"))
				return
			}
			orgID := chi.URLParam(r, "orgID")

			m, err := members.Resolve(r.Context(), orgID, id.UserID)
			switch {
			case model.HasCode(err, model.ErrNotFound), err == nil && !m.Active():
				errs.Write(w, r, model.NewForbiddenError("not an active member of this organization"))
				return
			case err != nil:
				errs.Write(w, r, err)
				return
			}

			ac := &model.AuthContext{
				UserID:        id.UserID,
				Email:         id.Email,
				OrgID:         orgID,
				Role:          m.Role,
				Claims:        id.Claims,
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			trace.SpanFromContext(r.Context()).SetAttributes(
				observability.AttrOrgID.String(ac.OrgID),
				observability.AttrUserID.String(ac.UserID),
			)

			next.ServeHTTP(w, r.WithContext(model.WithAuthContext(r.Context(), ac)))
		})
	}
}
