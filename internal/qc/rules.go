package qc

import "github.com/opine-hq/fieldsync/internal/models"

// defaultApproveThreshold drives the documented fallback when no configured
// rule range contains the approval rate.
const defaultApproveThreshold = 50.0

// MatchRule scans the configured rule list in order and returns the action
// of the first range containing the approval rate. Overlapping ranges are
// resolved by list position: first match wins. When no rule matches, the
// explicit fallback applies: rates above 50 auto-approve, everything else
// goes to full review.
func MatchRule(rules []models.QCRule, rate float64) models.QCAction {
	for _, rule := range rules {
		if rule.Contains(rate) {
			return rule.Action
		}
	}

	if rate > defaultApproveThreshold {
		return models.ActionAutoApprove
	}
	return models.ActionSendToQC
}
