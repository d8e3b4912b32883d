// Package auth resolves which role an agent plays in a job.
package auth

import (
	"fmt"
	"strings"

	"agentmarket/internal/domain"
)

// ForbiddenError indicates the agent does not hold a role allowed to perform Action.
type ForbiddenError struct {
	Action  string
	Allowed []domain.Role
}

func (e ForbiddenError) Error() string {
	names := make([]string, 0, len(e.Allowed))
	for _, r := range e.Allowed {
		names = append(names, string(r))
	}
	return fmt.Sprintf("Only the %s can %s this job", strings.Join(names, " or "), e.Action)
}

// RoleOf returns the agent's role in the job. A job never gives one agent two roles.
func RoleOf(job domain.Job, agentID string) (domain.Role, bool) {
	switch {
	case agentID == "":
		return "", false
	case agentID == job.ClientID:
		return domain.RoleClient, true
	case agentID == job.ProviderID:
		return domain.RoleProvider, true
	case job.HasEvaluator() && agentID == job.Evaluator():
		return domain.RoleEvaluator, true
	}
	return "", false
}

// Require returns the agent's role when it is one of allowed.
func Require(job domain.Job, agentID, action string, allowed ...domain.Role) (domain.Role, error) {
	role, ok := RoleOf(job, agentID)
	if ok {
		for _, r := range allowed {
			if r == role {
				return role, nil
			}
		}
	}
	return "", ForbiddenError{Action: action, Allowed: allowed}
}

// Counterpart returns the other trading party for a client or provider.
func Counterpart(job domain.Job, agentID string) string {
	if agentID == job.ClientID {
		return job.ProviderID
	}
	return job.ClientID
}
