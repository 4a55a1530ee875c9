package procurement

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pitabwire/procura/internal/config"
	"github.com/pitabwire/procura/model"
)

// MemberDirectory answers membership questions for approver selection.
// membership.Resolver satisfies it.
type MemberDirectory interface {
	ActiveMember(ctx context.Context, orgID, userID string) (bool, error)
	ListActiveByRole(ctx context.Context, orgID string, role model.Role) ([]model.Membership, error)
}

type rule struct {
	name     string
	when     string
	role     model.Role
	order    int
	position int
	program  *vm.Program
}

// Router selects approvers for a submitted request from configured rules.
// Rule expressions are compiled once, at construction.
type Router struct {
	rules   []rule
	members MemberDirectory
}

// ruleEnv is the variable set available to rule expressions.
func ruleEnv(r model.ProcurementRequest) map[string]any {
	return map[string]any{
		"estimated_total": r.EstimatedTotal,
		"category":        r.Category,
		"priority":        r.Priority,
		"currency":        r.Currency,
		"title":           r.Title,
	}
}

// NewRouter compiles the rules. An expression that does not compile or
// does not produce a bool is an error.
func NewRouter(cfgs []config.RoutingRuleConfig, members MemberDirectory) (*Router, error) {
	r := &Router{members: members}
	env := ruleEnv(model.ProcurementRequest{})
	for i, c := range cfgs {
		role, ok := model.ParseRole(c.ApproverRole)
		if !ok {
			return nil, fmt.Errorf("approval rule %q: unknown approver_role %q", c.Name, c.ApproverRole)
		}
		program, err := expr.Compile(c.When, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("approval rule %q: %w", c.Name, err)
		}
		r.rules = append(r.rules, rule{
			name: c.Name, when: c.When, role: role, order: c.StepOrder, position: i, program: program,
		})
	}
	slices.SortStableFunc(r.rules, func(a, b rule) int {
		if c := cmp.Compare(a.order, b.order); c != 0 {
			return c
		}
		return cmp.Compare(a.position, b.position)
	})
	return r, nil
}

// Len returns the number of compiled rules.
func (r *Router) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Route returns approver user IDs, in step order, for the rules matching
// req. A matching rule is skipped when every eligible member already holds
// an earlier step; it is a VALIDATION_ERROR when the role has no eligible
// member at all.
func (r *Router) Route(ctx context.Context, req model.ProcurementRequest) ([]string, error) {
	if r == nil {
		return nil, nil
	}
	env := ruleEnv(req)
	var approvers []string
	assigned := map[string]bool{}
	for _, rl := range r.rules {
		out, err := expr.Run(rl.program, env)
		if err != nil {
			return nil, fmt.Errorf("evaluate approval rule %q: %w", rl.name, err)
		}
		if match, _ := out.(bool); !match {
			continue
		}

		members, err := r.members.ListActiveByRole(ctx, req.OrganizationID, rl.role)
		if err != nil {
			return nil, err
		}
		eligible := 0
		picked := ""
		for _, m := range members {
			if m.UserID == req.RequesterID {
				continue
			}
			eligible++
			if !assigned[m.UserID] {
				picked = m.UserID
				break
			}
		}
		if eligible == 0 {
			return nil, model.NewFieldError("approvers", "NO_APPROVER",
				fmt.Sprintf("rule %q matched but no active %s other than the requester is available", rl.name, rl.role))
		}
		if picked == "" {
			continue
		}
		assigned[picked] = true
		approvers = append(approvers, picked)
	}
	return approvers, nil
}

// Explicit checks caller-supplied approvers: each must be an active member,
// listed once, and not the requester. Every problem is reported.
func (r *Router) Explicit(ctx context.Context, req model.ProcurementRequest, approvers []string) error {
	var details []model.FieldError
	seen := map[string]bool{}
	for i, id := range approvers {
		field := fmt.Sprintf("approvers[%d]", i)
		switch {
		case id == "":
			details = append(details, model.FieldError{Field: field, Code: "REQUIRED", Message: "is required"})
			continue
		case id == req.RequesterID:
			details = append(details, model.FieldError{Field: field, Code: "SELF_APPROVAL", Message: "the requester cannot approve their own request"})
			continue
		case seen[id]:
			details = append(details, model.FieldError{Field: field, Code: "DUPLICATE", Message: "approver is listed more than once"})
			continue
		}
		seen[id] = true
		ok, err := r.members.ActiveMember(ctx, req.OrganizationID, id)
		if err != nil {
			return err
		}
		if !ok {
			details = append(details, model.FieldError{Field: field, Code: "NOT_A_MEMBER", Message: "approver is not an active member of the organization"})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
