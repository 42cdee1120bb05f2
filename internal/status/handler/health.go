package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nexusledger/internal/health"
)

// Reporter is satisfied by *health.Checker.
type Reporter interface {
	Report() health.Report
}

// Health returns the /healthz handler. A degraded report is served with 503
// so load balancers stop routing to a ledger that failed its self-checks.
func Health(r Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := r.Report()
		status := http.StatusOK
		if report.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}
