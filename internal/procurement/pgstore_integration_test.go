//go:build integration

package procurement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/procura/internal/storage/pgtest"
	"github.com/pitabwire/procura/model"
)

func TestPgStore(t *testing.T) {
	ctx := context.Background()
	store := NewPgStore(pgtest.Start(t))
	now := time.Now().UTC().Truncate(time.Microsecond)

	req := model.ProcurementRequest{
		ID: "req-1", OrganizationID: testOrg, RequesterID: "alice",
		Title: "Chairs", Category: "office", Priority: model.PriorityHigh,
		EstimatedTotal: 1200, Currency: "EUR", Status: model.RequestDraft,
		CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	require.NoError(t, store.CreateRequest(ctx, req))

	t.Run("scoped get", func(t *testing.T) {
		got, err := store.GetRequest(ctx, testOrg, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "Chairs", got.Title)
		assert.Equal(t, model.RequestDraft, got.Status)

		_, err = store.GetRequest(ctx, "org-2", "req-1")
		assert.True(t, model.HasCode(err, model.ErrNotFound))
	})

	t.Run("open round and version guard", func(t *testing.T) {
		req.Status = model.RequestSubmitted
		req.ApprovalRound = 1
		steps := []model.ApprovalStep{
			{ID: "st-1", OrganizationID: testOrg, RequestID: "req-1", ApproverID: "bob", StepOrder: 1, Round: 1,
				Status: model.StepPending, CreatedAt: now, UpdatedAt: now, Version: 1},
			{ID: "st-2", OrganizationID: testOrg, RequestID: "req-1", ApproverID: "carol", StepOrder: 2, Round: 1,
				Status: model.StepPending, CreatedAt: now, UpdatedAt: now, Version: 1},
		}
		updated, err := store.OpenRound(ctx, req, steps)
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)

		_, err = store.OpenRound(ctx, req, nil)
		assert.True(t, model.HasCode(err, model.ErrConflict), "stale version must conflict: %v", err)

		round, err := store.RoundSteps(ctx, testOrg, "req-1", 1)
		require.NoError(t, err)
		require.Len(t, round, 2)
		assert.Equal(t, "bob", round[0].ApproverID)
		req = updated
	})

	t.Run("step update conflict", func(t *testing.T) {
		st, err := store.GetStep(ctx, testOrg, "st-1")
		require.NoError(t, err)
		st.Status = model.StepApproved
		decided := now
		st.ApprovedAt = &decided

		_, err = store.UpdateStep(ctx, st)
		require.NoError(t, err)
		_, err = store.UpdateStep(ctx, st)
		assert.True(t, model.HasCode(err, model.ErrConflict))
	})

	t.Run("list filters and sort", func(t *testing.T) {
		steps, total, err := store.ListSteps(ctx, testOrg, model.ApprovalFilters{
			Status: model.StepPending, Sort: "step_order", Descending: true, Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "st-2", steps[0].ID)

		reqs, total, err := store.ListRequests(ctx, testOrg, model.RequestFilters{Sort: "priority", Category: "office"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "req-1", reqs[0].ID)
	})

	t.Run("activity", func(t *testing.T) {
		require.NoError(t, store.AppendActivity(ctx, model.RequestActivity{
			ID: "act-1", OrganizationID: testOrg, RequestID: "req-1", UserID: "alice",
			Action: model.ActivityCreated, Metadata: map[string]any{"k": "v"}, CreatedAt: now,
		}))
		trail, err := store.ListActivity(ctx, testOrg, "req-1")
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, "v", trail[0].Metadata["k"])

		trail, err = store.ListActivity(ctx, "org-2", "req-1")
		require.NoError(t, err)
		assert.Empty(t, trail)
	})

	t.Run("constraint violation is caller caused", func(t *testing.T) {
		err := store.AppendActivity(ctx, model.RequestActivity{
			ID: "act-2", OrganizationID: testOrg, RequestID: "missing", UserID: "alice",
			Action: model.ActivityCreated, CreatedAt: now,
		})
		assert.True(t, model.HasCode(err, model.ErrUpstreamRejected), "err = %v", err)
	})

	t.Run("awaiting decision skips stale steps", func(t *testing.T) {
		pending := func(approver string) int {
			_, total, err := store.ListSteps(ctx, testOrg, model.ApprovalFilters{
				ApproverID: approver, Status: model.StepPending, AwaitingDecision: true,
			})
			require.NoError(t, err)
			return total
		}
		assert.Equal(t, 1, pending("carol"))

		cur, err := store.GetRequest(ctx, testOrg, "req-1")
		require.NoError(t, err)
		cur.ApprovalRound = 2
		next, err := store.OpenRound(ctx, cur, []model.ApprovalStep{
			{ID: "st-3", OrganizationID: testOrg, RequestID: "req-1", ApproverID: "dave", StepOrder: 1, Round: 2,
				Status: model.StepPending, CreatedAt: now, UpdatedAt: now, Version: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, pending("carol"), "round 1 step must leave the inbox")
		assert.Equal(t, 1, pending("dave"))

		next.Status = model.RequestCancelled
		_, err = store.UpdateRequest(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, 0, pending("dave"), "cancelled request must leave the inbox")
	})
}
