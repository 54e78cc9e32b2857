package models

// MessageRequest is the rendering input, built from a PersistentCommand.
type MessageRequest struct {
	ID           string         `json:"id" yaml:"id"`
	TemplateName string         `json:"template_name" yaml:"type"`
	Trigger      string         `json:"trigger" yaml:"trigger"`
	Ctx          map[string]any `json:"ctx" yaml:"ctx"`
	Recipients   []string       `json:"recipients" yaml:"recipients"`
}

// MailMessage is the rendered message handed to the sender. At least one of
// PlainBody and HTMLBody is set.
type MailMessage struct {
	FromName   string
	FromMail   string
	Recipients []string
	Subject    string
	PlainBody  *string
	HTMLBody   *string
}

func (m *MailMessage) HasBody() bool {
	return m.PlainBody != nil || m.HTMLBody != nil
}
