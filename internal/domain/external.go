package domain

// ExternalIdentity es lo que devuelve un proveedor OAuth tras el challenge.
type ExternalIdentity struct {
	Provider    ProviderCode `json:"provider"`
	Subject     string       `json:"subject"`
	Email       string       `json:"email"`
	FirstName   string       `json:"first_name,omitempty"`
	LastName    string       `json:"last_name,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
}
