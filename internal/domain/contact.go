package domain

// Format clasifica un contacto ingresado por el usuario.
type Format string

const (
	FormatEmail Format = "email"
	FormatPhone Format = "phone"
	FormatOther Format = "other"
)

// Contact es el resultado de clasificar y normalizar una entrada.
type Contact struct {
	Raw         string `json:"raw"`
	Normalized  string `json:"normalized"`
	Format      Format `json:"format"`
	Region      string `json:"region,omitempty"`
	CallingCode int    `json:"calling_code,omitempty"`
}

// Channel es el medio por el que se entrega un codigo de verificacion.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)
