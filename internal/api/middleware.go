package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// The identity layer terminates upstream of this service and forwards the
// caller's identity in trusted headers. Reviewer endpoints only need the id,
// role, and the survey scope granted to scoped roles.
const (
	headerReviewerID     = "X-Reviewer-ID"
	headerReviewerRole   = "X-Reviewer-Role"
	headerAllowedSurveys = "X-Allowed-Surveys"

	ctxReviewerID     = "reviewer_id"
	ctxAllowedSurveys = "allowed_surveys"
)

// RequireReviewer extracts the reviewer identity supplied by the upstream
// identity layer and rejects requests without one.
func RequireReviewer() gin.HandlerFunc {
	return func(c *gin.Context) {
		reviewerID := c.GetHeader(headerReviewerID)
		if reviewerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing reviewer identity"})
			return
		}

		c.Set(ctxReviewerID, reviewerID)

		// Scoped roles carry an explicit survey allow-list; unscoped roles
		// see everything.
		if c.GetHeader(headerReviewerRole) == "scoped" {
			var allowed []string
			if raw := c.GetHeader(headerAllowedSurveys); raw != "" {
				allowed = strings.Split(raw, ",")
			}
			c.Set(ctxAllowedSurveys, allowed)
		}

		c.Next()
	}
}

func reviewerFrom(c *gin.Context) (string, []string) {
	reviewerID := c.GetString(ctxReviewerID)
	var allowed []string
	if v, ok := c.Get(ctxAllowedSurveys); ok {
		allowed, _ = v.([]string)
	}
	return reviewerID, allowed
}
