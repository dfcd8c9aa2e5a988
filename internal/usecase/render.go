package usecase

import (
	"regexp"
	"songflow/internal/domain"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]*)\s*\}\}`)

// Render substitutes {{key}} placeholders with lead values. {{name}} is the
// first word of the name and {{phone}} is digits only; unknown keys render
// empty.
func Render(tmpl string, lead *domain.Lead) string {
	if tmpl == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if lead == nil {
			return ""
		}
		key := placeholder.FindStringSubmatch(m)[1]
		switch key {
		case "name":
			if f := strings.Fields(lead.Name); len(f) > 0 {
				return f[0]
			}
			return ""
		case "phone":
			return Digits(lead.Phone)
		default:
			return lead.Field(key)
		}
	})
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
