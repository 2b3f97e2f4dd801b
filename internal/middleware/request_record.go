package middleware

import (
	"strings"
	"time"

	"danmu-api-service/internal/appstate"
	"danmu-api-service/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// RequestRecord assigns every request an ID and keeps API calls in the
// bounded request log. Admin calls are not recorded.
func RequestRecord(requests *appstate.RequestLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)

		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api/") && !strings.HasPrefix(path, "/api/v2/admin") {
			params := make(map[string]string)
			for key, values := range c.Request.URL.Query() {
				// 不记录管理密钥
				if key == "api_key" || len(values) == 0 {
					continue
				}
				params[key] = values[0]
			}
			for _, p := range c.Params {
				params[p.Key] = p.Value
			}

			requests.Add(model.RequestRecord{
				ID:        id,
				Path:      path,
				Params:    params,
				Method:    c.Request.Method,
				ClientIP:  c.ClientIP(),
				Timestamp: time.Now(),
			})
		}

		c.Next()
	}
}
