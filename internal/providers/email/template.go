package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sync"
)

//go:embed templates/*.html
var templateFS embed.FS

const TemplateBookingConfirmation = "booking_confirmation"

var (
	templatesOnce sync.Once
	templates     *template.Template
	templatesErr  error
)

func loadTemplates() (*template.Template, error) {
	templatesOnce.Do(func() {
		templates, templatesErr = template.ParseFS(templateFS, "templates/*.html")
	})
	return templates, templatesErr
}

// Render executes templateName and resolves the subject from data["subject"]
// or the template default.
func Render(templateName string, data interface{}) (string, string, error) {
	t, err := loadTemplates()
	if err != nil {
		return "", "", fmt.Errorf("failed to parse templates: %w", err)
	}

	var body bytes.Buffer
	if err := t.ExecuteTemplate(&body, templateName+".html", data); err != nil {
		return "", "", fmt.Errorf("failed to execute template: %w", err)
	}

	subject := "Notification from Path2Heal"
	if dataMap, ok := data.(map[string]interface{}); ok {
		if subj, exists := dataMap["subject"]; exists {
			if subjStr, ok := subj.(string); ok {
				subject = subjStr
			}
		} else if templateName == TemplateBookingConfirmation {
			if ref, ok := dataMap["reference_id"].(string); ok && ref != "" {
				subject = fmt.Sprintf("Booking confirmed: %s", ref)
			} else {
				subject = "Your booking is confirmed"
			}
		}
	}
	return subject, body.String(), nil
}
