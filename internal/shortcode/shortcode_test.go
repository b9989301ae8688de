package shortcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	vars := map[string]string{
		"name":  "Budi",
		"email": "budi@example.com",
		"loop":  "{{name}}",
	}

	cases := []struct {
		name     string
		template string
		want     string
	}{
		{name: "double brace", template: "Hi {{name}}!", want: "Hi Budi!"},
		{name: "single brace", template: "Hi {name}, mail {email}", want: "Hi Budi, mail budi@example.com"},
		{name: "repeated", template: "{{name}} {{name}} {name}", want: "Budi Budi Budi"},
		{name: "unknown kept verbatim", template: "Hi {{name}} from {{affiliate_name}} {x}", want: "Hi Budi from {{affiliate_name}} {x}"},
		{name: "single pass", template: "value: {{loop}}", want: "value: {{name}}"},
		{name: "no placeholders", template: "plain text", want: "plain text"},
		{name: "unbalanced", template: "{{name} and {name", want: "{Budi and {name"},
		{name: "css braces untouched", template: "p { color: red; }", want: "p { color: red; }"},
		{name: "empty", template: "", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.template, vars))
		})
	}
}

func TestRenderEmptyValueStillSubstitutes(t *testing.T) {
	assert.Equal(t, "Hi !", Render("Hi {{name}}!", map[string]string{"name": ""}))
}

func TestPlaceholders(t *testing.T) {
	keys := Placeholders("{{name}} {email} {{name}} {{affiliate_name}}")
	assert.Equal(t, []string{"name", "email", "affiliate_name"}, keys)
	assert.Empty(t, Placeholders("nothing here"))
}

func TestUnresolved(t *testing.T) {
	missing := Unresolved("Hi {{name}}, {{coupon}}", map[string]string{"name": "x"})
	assert.Equal(t, []string{"coupon"}, missing)
}

func TestVariables(t *testing.T) {
	vars := Variables(Contact{Name: " Sari ", Email: "sari@example.com", Phone: "62811"}, "Andi")

	assert.Equal(t, "Sari", vars[VarName])
	assert.Equal(t, "Sari", vars[VarNama])
	assert.Equal(t, "62811", vars[VarWhatsApp])
	assert.Equal(t, "62811", vars[VarPhone])
	assert.Equal(t, "Andi", vars[VarAffiliateName])
	assert.Equal(t, "Andi", vars[VarAffiliate])

	vars = Variables(Contact{Phone: "1", WhatsApp: "2"}, "")
	assert.Equal(t, "2", vars[VarWhatsApp])
}
