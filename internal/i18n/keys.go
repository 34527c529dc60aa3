// internal/i18n/keys.go
package i18n

// Translation keys constants
const (
	// Authentication
	KeyAuthRequired           = "auth.required"
	KeyAuthInvalidToken       = "auth.invalid_token"
	KeyAuthTokenExpired       = "auth.token_expired"
	KeyAuthInvalidCredentials = "auth.invalid_credentials"
	KeyAuthUserExists         = "auth.user_exists"
	KeyAuthLoginSuccess       = "auth.login_success"
	KeyAuthRegisterSuccess    = "auth.register_success"
	KeyRoleAccessDenied       = "auth.role_access_denied"

	// Catalog
	KeyDrugCreated  = "drug.created"
	KeyDrugUpdated  = "drug.updated"
	KeyDrugDeleted  = "drug.deleted"
	KeyDrugNotFound = "drug.not_found"
	KeyDrugRecalled = "drug.recalled"

	// Custody
	KeyProductionPackaged     = "custody.production_packaged"
	KeyTransferCompleted      = "custody.transfer_completed"
	KeyTransferInitiated      = "custody.transfer_initiated"
	KeyTransferConfirmed      = "custody.transfer_confirmed"
	KeyTransferPending        = "custody.transfer_pending_confirmation"
	KeyTransferCancelled      = "custody.transfer_cancelled"
	KeyReceiptConfirmed       = "custody.receipt_confirmed"
	KeyShipmentCreated        = "custody.shipment_created"
	KeyShipmentConfirmed      = "custody.shipment_confirmed"
	KeyInvoiceNotFound        = "invoice.not_found"
	KeyTokenNotFound          = "token.not_found"
	KeyReconciliationComplete = "custody.reconciliation_complete"

	// Payments
	KeyPaymentIntentCreated = "payment.intent_created"
	KeyPaymentSuccess       = "payment.success"

	// Validation
	KeyValidationInvalid = "validation.invalid"
)
