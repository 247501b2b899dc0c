package auth

// AuthenticatorType describes a kind of two-factor credential
type AuthenticatorType struct {
	ID   string
	Name string
	// Backup credentials only recover an account and do not count as 2FA on their own
	Backup bool
}

var authenticatorTypes = []AuthenticatorType{
	{ID: "totp", Name: "Authenticator App"},
	{ID: "sms", Name: "Text Message"},
	{ID: "u2f", Name: "U2F (Universal 2nd Factor)"},
	{ID: "recovery", Name: "Recovery Codes", Backup: true},
}

// AvailableAuthenticators returns the enabled authenticator types, optionally without backup types
func AvailableAuthenticators(ignoreBackup bool) []AuthenticatorType {
	out := make([]AuthenticatorType, 0, len(authenticatorTypes))
	for _, a := range authenticatorTypes {
		if ignoreBackup && a.Backup {
			continue
		}
		out = append(out, a)
	}
	return out
}

// AuthenticatorTypeIDs returns the IDs of AvailableAuthenticators(ignoreBackup)
func AuthenticatorTypeIDs(ignoreBackup bool) []string {
	avail := AvailableAuthenticators(ignoreBackup)
	ids := make([]string, len(avail))
	for i, a := range avail {
		ids[i] = a.ID
	}
	return ids
}
