// internal/middleware/i18n.go
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/asset-market/internal/i18n"
)

func canonicalLanguage(tag string) string {
	switch tag {
	case "zh-TW", "zh-Hant", "zh_TW", "zh-HK":
		return "zh_TW"
	case "en-US", "en-GB":
		return "en"
	}
	return tag
}

// NegotiateLanguage returns the first language of an Accept-Language header
// that has a loaded locale, in header order.
func NegotiateLanguage(header, fallback string) string {
	if header == "" {
		return fallback
	}

	supported := make(map[string]bool)
	for _, lang := range i18n.GetSupportedLanguages() {
		supported[lang] = true
	}

	// Handle cases like "zh-TW,zh;q=0.9,en;q=0.8"
	for _, part := range strings.Split(header, ",") {
		tag := canonicalLanguage(strings.TrimSpace(strings.Split(part, ";")[0]))
		if supported[tag] {
			return tag
		}
	}
	return fallback
}

func I18nMiddleware(defaultLang string) gin.HandlerFunc {
	if defaultLang == "" {
		defaultLang = "en"
	}
	return func(c *gin.Context) {
		c.Set("lang", NegotiateLanguage(c.GetHeader("Accept-Language"), defaultLang))
		c.Next()
	}
}
