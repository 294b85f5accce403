package scheduler

import "fmt"

// Rejection reasons reported by PolicyError and the rejected-intents metric.
const (
	ReasonMissingSchedule   = "missing_schedule"
	ReasonMissingID         = "missing_id"
	ReasonMissingTenant     = "missing_tenant"
	ReasonScheduleNotFuture = "schedule_not_future"
)

// PolicyError rejects an intent that cannot be deferred.
type PolicyError struct {
	Reason    string
	RequestID string
	TenantID  string
}

func (e *PolicyError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("scheduling rejected (%s): request=%q tenant=%q", e.Reason, e.RequestID, e.TenantID)
}
