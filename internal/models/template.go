package models

import "slices"

// Part types understood by the renderer.
const (
	PartPlain = "plain"
	PartHTML  = "html"
)

type TemplateDescriptorPart struct {
	Type     string `yaml:"type" json:"type"`
	Template string `yaml:"template" json:"template"`
	// File is resolved relative to the descriptor and loaded into Template.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// TemplateDescriptor must not be mutated once loaded.
type TemplateDescriptor struct {
	ID      string                   `yaml:"id" json:"id"`
	Subject string                   `yaml:"subject" json:"subject"`
	Parts   []TemplateDescriptorPart `yaml:"parts" json:"parts"`
	Modes   []string                 `yaml:"modes" json:"modes"`
}

// SupportsMode reports whether the descriptor can be used for mode. A
// descriptor without modes supports all of them, and an empty mode matches
// any descriptor.
func (d *TemplateDescriptor) SupportsMode(mode string) bool {
	if mode == "" || len(d.Modes) == 0 {
		return true
	}
	return slices.Contains(d.Modes, mode)
}
