package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	require.NoError(t, Initialize("", "en"))

	assert.Equal(t, "Purchase not found", T("en", KeyPurchaseNotFound))
	assert.Equal(t, "找不到訂單", T("zh_TW", KeyPurchaseNotFound))
	assert.Equal(t, "Invalid request", T("en", KeyValidationInvalid, "request"))

	// Unknown languages fall back to the default, unknown keys to the key itself.
	assert.Equal(t, "Purchase not found", T("fr", KeyPurchaseNotFound))
	assert.Equal(t, "no.such.key", T("en", "no.such.key"))

	assert.ElementsMatch(t, []string{"en", "zh_TW"}, GetSupportedLanguages())
}
