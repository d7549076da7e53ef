package problem

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Render writes err as an RFC 9457 problem response and aborts the chain.
// Correlation and tenant identifiers deposited by upstream middleware are
// surfaced in the document.
func Render(c *gin.Context, err error) {
	p := From(err, c.Request.URL.Path)
	if cid := c.Writer.Header().Get("X-Correlation-ID"); cid != "" {
		p.CorrelationID = cid
	}
	if tid := c.GetString("tenant_id"); tid != "" {
		p.TenantID = tid
	}

	body, merr := json.Marshal(p)
	if merr != nil {
		c.Data(http.StatusInternalServerError, "application/problem+json",
			[]byte(`{"type":"about:blank","title":"Internal error","status":500}`))
		c.Abort()
		return
	}
	c.Data(p.Status, "application/problem+json", body)
	c.Abort()
}
