package relay

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowMethods = "POST, OPTIONS"
	corsAllowHeaders = "Origin, Content-Type, Accept, X-Requested-With"
	corsMaxAge       = "43200"
)

// originMatcher 精确匹配或单个通配符，如 https://*.example.com
type originMatcher struct {
	any       bool
	exact     map[string]bool
	wildcards [][2]string
}

func newOriginMatcher(origins []string) *originMatcher {
	m := &originMatcher{exact: make(map[string]bool)}
	for _, o := range origins {
		switch {
		case o == "*":
			m.any = true
		case strings.Contains(o, "*"):
			prefix, suffix, _ := strings.Cut(o, "*")
			m.wildcards = append(m.wildcards, [2]string{prefix, suffix})
		default:
			m.exact[o] = true
		}
	}
	return m
}

func (m *originMatcher) match(origin string) bool {
	if m.any || m.exact[origin] {
		return true
	}
	for _, w := range m.wildcards {
		if len(origin) > len(w[0])+len(w[1]) && strings.HasPrefix(origin, w[0]) && strings.HasSuffix(origin, w[1]) {
			return true
		}
	}
	return false
}

// cors 允许浏览器页面跨域调用备用端点
// 不在名单内的 Origin 不加任何响应头，由浏览器拦截
func cors(origins []string) gin.HandlerFunc {
	m := newOriginMatcher(origins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !m.match(origin) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		if m.any {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", corsAllowMethods)
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Max-Age", corsMaxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
