package csvparser

import (
	"fmt"
	"io"
	"strings"

	"Mailer/internal/models"
)

// ImportOptions controls how CSV rows become message requests.
type ImportOptions struct {
	Template string
	Trigger  string
	// IDPrefix, when set, gives each request the id <prefix>-<line> so that
	// importing the same file twice is rejected as a duplicate.
	IDPrefix string
	MaxRows  int
}

// ParseRequests builds one single-recipient request per CSV row. Columns other
// than Email become template context values.
func ParseRequests(r io.Reader, opts ImportOptions) ([]models.MessageRequest, error) {
	tmpl := strings.TrimSpace(opts.Template)
	if tmpl == "" {
		return nil, fmt.Errorf("template name is required")
	}

	rows, err := ParseRecipientRows(r, opts.MaxRows)
	if err != nil {
		return nil, err
	}

	reqs := make([]models.MessageRequest, 0, len(rows))
	for _, row := range rows {
		ctx := make(map[string]any, len(row.Fields)+1)
		for k, v := range row.Fields {
			ctx[k] = v
		}
		if _, ok := ctx["email"]; !ok {
			ctx["email"] = row.Email
		}

		req := models.MessageRequest{
			TemplateName: tmpl,
			Trigger:      opts.Trigger,
			Ctx:          ctx,
			Recipients:   []string{row.Email},
		}
		if opts.IDPrefix != "" {
			req.ID = fmt.Sprintf("%s-%d", opts.IDPrefix, row.Line)
		}

		reqs = append(reqs, req)
	}

	return reqs, nil
}
