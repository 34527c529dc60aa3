// internal/i18n/i18n_test.go
package i18n

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocaleFilesCoverEveryKey(t *testing.T) {
	keys := []string{
		KeyAuthRequired, KeyAuthInvalidToken, KeyAuthTokenExpired, KeyAuthInvalidCredentials,
		KeyAuthUserExists, KeyAuthLoginSuccess, KeyAuthRegisterSuccess, KeyRoleAccessDenied,
		KeyDrugCreated, KeyDrugUpdated, KeyDrugDeleted, KeyDrugNotFound, KeyDrugRecalled,
		KeyProductionPackaged, KeyTransferCompleted, KeyTransferInitiated, KeyTransferConfirmed,
		KeyTransferPending, KeyTransferCancelled, KeyReceiptConfirmed, KeyShipmentCreated,
		KeyShipmentConfirmed, KeyInvoiceNotFound, KeyTokenNotFound, KeyReconciliationComplete,
		KeyPaymentIntentCreated, KeyPaymentSuccess, KeyValidationInvalid,
	}

	for _, lang := range SupportedLanguages {
		data, err := os.ReadFile(filepath.Join("locales", lang+".json"))
		require.NoError(t, err)
		var translations map[string]string
		require.NoError(t, json.Unmarshal(data, &translations))
		for _, key := range keys {
			assert.Contains(t, translations, key, "%s missing in %s", key, lang)
		}
	}
}

func TestTranslateFallsBackToDefaultThenKey(t *testing.T) {
	tr := &I18n{translations: make(map[string]map[string]string), defaultLang: "en"}
	require.NoError(t, tr.LoadTranslations("locales"))

	assert.Equal(t, "Packaged 5 units and minted their tokens", tr.T("en", KeyProductionPackaged, 5))
	assert.Equal(t, "Không tìm thấy thuốc", tr.T("vi", KeyDrugNotFound))
	assert.Equal(t, "Drug not found", tr.T("fr", KeyDrugNotFound))
	assert.Equal(t, "unknown.key", tr.T("en", "unknown.key"))
}

func TestResolveLanguageTags(t *testing.T) {
	assert.Equal(t, "vi", Resolve("vi-VN"))
	assert.Equal(t, "vi", Resolve(" VI_vn "))
	assert.Equal(t, "en", Resolve("en-GB"))
	assert.Equal(t, "en", Resolve("fr"))
	assert.Equal(t, "en", Resolve(""))
}
