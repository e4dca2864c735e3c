package models

// Capability is a named permission carried in the access token.
type Capability string

const (
	CapFraudInvestigate Capability = "security.fraud.investigate"
	CapFraudOverride    Capability = "security.fraud.override"
	CapSettingsWrite    Capability = "security.settings.write"
)

// Principal is the authenticated caller extracted from the request token.
type Principal struct {
	ID           string       `json:"id"`
	Actor        ActorKind    `json:"actor"`
	Capabilities []Capability `json:"capabilities"`
}

func (p Principal) Can(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
