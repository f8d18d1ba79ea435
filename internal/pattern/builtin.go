package pattern

const day = int64(24 * 60 * 60 * 1000)

// Builtin returns the default campaign catalog used when no pattern file is
// configured.
func Builtin() *Library {
	lib, err := NewLibrary(builtinPatterns())
	if err != nil {
		// The builtin set is static; failing here is a programming error.
		panic(err)
	}
	return lib
}

func builtinPatterns() []SequencePattern {
	return []SequencePattern{
		{
			ID:          "bust_out",
			Name:        "Onboard, list, cash out, abandon",
			Description: "Fresh account builds a catalog, drains payouts, then the account is handed over.",
			Severity:    "CRITICAL",
			MaxSpanMs:   45 * day,
			Steps: []Step{
				{Domain: "onboarding", EventTypes: []string{"account_created", "kyc_passed", "seller_verified"}},
				{Domain: "listing", EventTypes: []string{"listing_created", "bulk_listing_upload", "high_value_listing"}},
				{Domain: "payout", EventTypes: []string{"payout_requested", "instant_payout", "payout_method_added"}},
				{Domain: "ato", EventTypes: []string{"new_device_login", "password_reset", "session_hijack_suspected"}},
			},
		},
		{
			ID:          "ato_payout_redirect",
			Name:        "Account takeover with payout redirect",
			Description: "Attacker takes the account, swaps banking details, and requests payout.",
			Severity:    "CRITICAL",
			MaxSpanMs:   7 * day,
			Steps: []Step{
				{Domain: "ato", EventTypes: []string{"new_device_login", "password_reset", "mfa_disabled", "credential_stuffing_hit"}},
				{Domain: "profile", EventTypes: []string{"bank_account_changed", "email_changed", "phone_changed"}},
				{Domain: "payout", EventTypes: []string{"payout_requested", "instant_payout", "payout_schedule_changed"}},
			},
		},
		{
			ID:          "triangulation",
			Name:        "Triangulation fraud",
			Description: "Listings priced below market are fulfilled with stolen payment instruments and later disputed.",
			Severity:    "HIGH",
			MaxSpanMs:   60 * day,
			Steps: []Step{
				{Domain: "listing", EventTypes: []string{"below_market_listing", "high_value_listing", "listing_created"}},
				{Domain: "transaction", EventTypes: []string{"order_placed", "order_fulfilled_dropship"}},
				{Domain: "returns", EventTypes: []string{"chargeback_received", "item_not_received_claim"}},
				{Domain: "payout", EventTypes: []string{"payout_requested", "instant_payout"}},
			},
		},
		{
			ID:          "returns_ring",
			Name:        "Coordinated returns abuse",
			Description: "Sales followed by bursts of empty-box or wrong-item returns refunded to linked accounts.",
			Severity:    "HIGH",
			MaxSpanMs:   30 * day,
			Steps: []Step{
				{Domain: "transaction", EventTypes: []string{"order_placed", "order_fulfilled"}},
				{Domain: "returns", EventTypes: []string{"return_requested", "empty_box_return", "wrong_item_return"}},
				{Domain: "returns", EventTypes: []string{"refund_issued", "refund_to_new_instrument"}},
			},
		},
		{
			ID:          "synthetic_identity",
			Name:        "Synthetic identity onboarding",
			Description: "Identity details are churned during onboarding before the account starts selling.",
			Severity:    "MEDIUM",
			MaxSpanMs:   14 * day,
			Steps: []Step{
				{Domain: "onboarding", EventTypes: []string{"account_created"}},
				{Domain: "profile", EventTypes: []string{"tax_id_changed", "legal_name_changed", "address_changed"}},
				{Domain: "onboarding", EventTypes: []string{"kyc_retry", "kyc_document_resubmitted"}},
				{Domain: "listing", EventTypes: []string{"listing_created", "bulk_listing_upload"}},
			},
		},
	}
}
