package shortcode

import "strings"

const (
	VarName          = "name"
	VarEmail         = "email"
	VarWhatsApp      = "whatsapp"
	VarPhone         = "phone"
	VarAffiliateName = "affiliate_name"

	// legacy keys still used by older templates
	VarNama      = "nama"
	VarAffiliate = "affiliate"
)

// Contact holds the recipient fields exposed to templates.
type Contact struct {
	Name     string
	Email    string
	Phone    string
	WhatsApp string
}

// Variables builds the template variable set for a subject and the owner
// sending on their behalf.
func Variables(subject Contact, ownerName string) map[string]string {
	whatsapp := strings.TrimSpace(subject.WhatsApp)
	if whatsapp == "" {
		whatsapp = strings.TrimSpace(subject.Phone)
	}
	name := strings.TrimSpace(subject.Name)
	ownerName = strings.TrimSpace(ownerName)

	return map[string]string{
		VarName:          name,
		VarEmail:         strings.TrimSpace(subject.Email),
		VarWhatsApp:      whatsapp,
		VarPhone:         strings.TrimSpace(subject.Phone),
		VarAffiliateName: ownerName,
		VarNama:          name,
		VarAffiliate:     ownerName,
	}
}
