package ledger

// Actor is the principal performing an operation.
type Actor struct {
	ID    string
	Roles []string
}

// System is the internal actor used by background drivers (scheduler,
// escrow sweeper).
var System = Actor{ID: "system", Roles: []string{RoleAdmin}}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Read-only actions an auditor may perform.
var readActions = map[string]bool{
	"getAccount":            true,
	"getAccountsByOwner":    true,
	"listAccounts":          true,
	"getTransaction":        true,
	"listTransactions":      true,
	"listBalanceOperations": true,
	"getStatistics":         true,
	"queryAudit":            true,
	"getBatch":              true,
	"getEscrow":             true,
	"listEscrows":           true,
	"getSchedule":           true,
	"listSchedules":         true,
}

// Actions a consumer/provider may perform against their own account.
var selfActions = map[string]bool{
	"getAccount":            true,
	"getTransaction":        true,
	"listTransactions":      true,
	"listBalanceOperations": true,
	"regenerateApiKey":      true,
	"transfer":              true,
	"createEscrow":          true,
	"releaseEscrow":         true,
	"refundEscrow":          true,
	"disputeEscrow":         true,
	"getEscrow":             true,
	"listEscrows":           true,
	"createSchedule":        true,
	"pauseSchedule":         true,
	"resumeSchedule":        true,
	"cancelSchedule":        true,
	"executeSchedule":       true,
	"getSchedule":           true,
	"listSchedules":         true,
}

// Authorize applies the role table: admin may do anything; operator may
// do everything except delete accounts; auditor may read but not
// mutate; consumer/provider may only operate on their own account.
func Authorize(actor Actor, action, targetAccountID string) error {
	if actor.ID == "" {
		return ErrUnauthorized
	}
	if actor.HasRole(RoleAdmin) {
		return nil
	}
	if actor.HasRole(RoleOperator) {
		if action == "deleteAccount" {
			return Errorf(CodeForbidden, "operator may not delete accounts")
		}
		return nil
	}
	if actor.HasRole(RoleAuditor) && readActions[action] {
		return nil
	}
	if actor.HasRole(RoleConsumer) || actor.HasRole(RoleProvider) {
		if selfActions[action] && targetAccountID == actor.ID {
			return nil
		}
	}
	return Errorf(CodeForbidden, "actor %s may not perform %s", actor.ID, action)
}
