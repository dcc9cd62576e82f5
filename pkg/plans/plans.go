// Package plans decides what a workspace's plan entitles it to.
//
// Decisions read only the locally persisted plan. The billing reconciler
// keeps it in step with the payment provider; a change at the provider is
// visible here once its webhook has been applied.
package plans

import (
	"fmt"

	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// Unlimited marks a limit that does not apply
const Unlimited = -1

// Limits are the quantitative entitlements of a plan
type Limits struct {
	MaxMembers int `json:"max_members"`
}

var limitsByPlan = map[storage.Plan]Limits{
	storage.PlanFree: {MaxMembers: 3},
	storage.PlanPro:  {MaxMembers: Unlimited},
}

// LimitsFor returns the limits of a plan. Unknown plans get free limits.
func LimitsFor(plan storage.Plan) Limits {
	if l, ok := limitsByPlan[plan]; ok {
		return l
	}
	return limitsByPlan[storage.PlanFree]
}

// UpgradeURL is where a workspace admin starts the upgrade flow
func UpgradeURL(workspaceID int64) string {
	return fmt.Sprintf("/workspace/%d/upgrade", workspaceID)
}

// UpgradeRequiredError denies a feature that needs the pro plan
type UpgradeRequiredError struct {
	Feature    string
	UpgradeURL string
}

func (e *UpgradeRequiredError) Error() string {
	return fmt.Sprintf("pro plan required for %s", e.Feature)
}

// Unwrap classifies the denial for HTTP mapping
func (e *UpgradeRequiredError) Unwrap() error {
	return &errs.Error{Kind: errs.KindUpgradeRequired, Message: "Pro plan required"}
}

// Details are added to the 402 response body
func (e *UpgradeRequiredError) Details() map[string]string {
	return map[string]string{"feature": e.Feature, "upgrade_url": e.UpgradeURL}
}

// RequirePro allows the feature only on the pro plan
func RequirePro(ws *storage.Workspace, feature string) error {
	if ws.IsPro() {
		return nil
	}
	return &UpgradeRequiredError{Feature: feature, UpgradeURL: UpgradeURL(ws.ID)}
}

// CanAddMember checks the member limit before another membership is created
func CanAddMember(ws *storage.Workspace, currentMembers int) error {
	limit := LimitsFor(ws.Plan).MaxMembers
	if limit == Unlimited || currentMembers < limit {
		return nil
	}
	return &UpgradeRequiredError{Feature: "members", UpgradeURL: UpgradeURL(ws.ID)}
}
