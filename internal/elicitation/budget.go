// ABOUTME: Budget decision request asked before a job commits to irreversible spend
// ABOUTME: Unanswered decisions resolve to abort

package elicitation

import "fmt"

// BudgetDecisionRequest builds the approve/abort/adjust decision asked when a
// job's estimated cost exceeds its budget.
func BudgetDecisionRequest(jobID string, estimated, budget float64, timeoutSeconds int) *Request {
	schema := Schema{
		Properties: map[string]Property{
			DecisionProperty: {
				Kind:        KindEnum,
				Description: "approve to proceed, abort to cancel, adjust to set a new budget",
				EnumValues:  []string{DecisionApprove, DecisionAbort, DecisionAdjust},
			},
			"new_budget": {
				Kind:        KindNumber,
				Description: "budget in USD when adjusting",
				Default:     budget,
			},
		},
		Required: []string{DecisionProperty},
	}

	req := NewRequest(
		fmt.Sprintf("Job %s is estimated to cost $%.2f, over its $%.2f budget. Proceed?", jobID, estimated, budget),
		schema,
		timeoutSeconds,
	)
	req.Priority = PriorityHigh
	req.Context["job_id"] = jobID
	req.Context["estimated_cost"] = estimated
	req.Context["budget"] = budget
	return req
}

// Decision returns the decision value of a response, or DecisionAbort when
// absent.
func Decision(resp *Response) string {
	if resp == nil {
		return DecisionAbort
	}
	if d := resp.String(DecisionProperty); d != "" {
		return d
	}
	return DecisionAbort
}
