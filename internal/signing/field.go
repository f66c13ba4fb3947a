// Package signing implements the recipient signing-session engine: the field
// registry with conditional visibility, the completion evaluator, the
// verification gate chain, the autosave coordinator, and the submission
// orchestrator. The package is pure domain logic; all IO happens through
// injected collaborator interfaces.
package signing

import "strings"

type FieldType string

const (
	FieldSignature  FieldType = "signature"
	FieldDate       FieldType = "date"
	FieldText       FieldType = "text"
	FieldCheckbox   FieldType = "checkbox"
	FieldAttachment FieldType = "attachment"
	FieldDropdown   FieldType = "dropdown"
	FieldRadio      FieldType = "radio"
)

type Condition string

const (
	CondChecked   Condition = "checked"
	CondUnchecked Condition = "unchecked"
	CondEquals    Condition = "equals"
	CondNotEquals Condition = "not_equals"
	CondContains  Condition = "contains"
)

// Conditional makes a field's visibility depend on another field's value.
type Conditional struct {
	Enabled          bool      `json:"enabled"`
	DependsOnFieldID string    `json:"dependsOnFieldId"`
	Condition        Condition `json:"condition"`
	Value            string    `json:"value,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Field is one signable field placed on a document page.
type Field struct {
	ID              string       `json:"id"`
	Page            int          `json:"page"`
	RecipientIndex  int          `json:"recipientIndex"`
	Type            FieldType    `json:"type"`
	Position        Position     `json:"position"`
	Size            *Size        `json:"size,omitempty"`
	Label           string       `json:"label,omitempty"`
	Options         []string     `json:"options,omitempty"`
	DefaultValue    string       `json:"defaultValue,omitempty"`
	DefaultChecked  bool         `json:"defaultChecked,omitempty"`
	AttachmentLabel string       `json:"attachmentLabel,omitempty"`
	Required        bool         `json:"isRequired,omitempty"`
	Conditional     *Conditional `json:"conditional,omitempty"`
}

type ValueKind string

const (
	ValueChecked     ValueKind = "checkbox"
	ValueText        ValueKind = "text"
	ValueAttachments ValueKind = "attachments"
)

// Value is one recipient-entered field value. Text doubles as the image
// reference for signature fields and the option key for dropdown/radio.
type Value struct {
	Kind        ValueKind `json:"kind"`
	Checked     bool      `json:"checked,omitempty"`
	Text        string    `json:"text,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
}

func CheckedValue(checked bool) Value { return Value{Kind: ValueChecked, Checked: checked} }
func TextValue(text string) Value     { return Value{Kind: ValueText, Text: text} }
func AttachmentsValue(refs []string) Value {
	return Value{Kind: ValueAttachments, Attachments: refs}
}

// Values maps field id to the recipient's current entry. Presence of a key is
// what counts as "filled"; an explicitly submitted empty string still occupies
// its key.
type Values map[string]Value

// Clone returns a deep copy so snapshots never alias live session state.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for id, value := range v {
		if value.Attachments != nil {
			value.Attachments = append([]string(nil), value.Attachments...)
		}
		out[id] = value
	}
	return out
}

// Registry holds the ordered set of signable fields for one document.
type Registry struct {
	fields []Field
	byID   map[string]int
}

func NewRegistry(fields []Field) *Registry {
	byID := make(map[string]int, len(fields))
	for i, field := range fields {
		byID[field.ID] = i
	}
	return &Registry{fields: fields, byID: byID}
}

func (r *Registry) Fields() []Field {
	return r.fields
}

func (r *Registry) Lookup(id string) (Field, bool) {
	index, ok := r.byID[id]
	if !ok {
		return Field{}, false
	}
	return r.fields[index], true
}

// ForRecipient returns the fields owned by the given recipient index, in
// registry order.
func (r *Registry) ForRecipient(recipientIndex int) []Field {
	mine := make([]Field, 0)
	for _, field := range r.fields {
		if field.RecipientIndex == recipientIndex {
			mine = append(mine, field)
		}
	}
	return mine
}

// IsVisible evaluates the field's conditional rule against current values.
// Missing dependencies and unknown condition names fail open: a broken rule
// must never hide a field from the one recipient who has to complete it.
func (r *Registry) IsVisible(field Field, values Values) bool {
	cond := field.Conditional
	if cond == nil || !cond.Enabled {
		return true
	}
	if _, ok := r.Lookup(cond.DependsOnFieldID); !ok {
		return true
	}
	dep, hasValue := values[cond.DependsOnFieldID]

	switch cond.Condition {
	case CondChecked:
		return hasValue && dep.Kind == ValueChecked && dep.Checked
	case CondUnchecked:
		return !hasValue || dep.Kind != ValueChecked || !dep.Checked
	case CondEquals:
		return hasValue && dep.Kind == ValueText && dep.Text == cond.Value
	case CondNotEquals:
		return !hasValue || dep.Kind != ValueText || dep.Text != cond.Value
	case CondContains:
		if !hasValue || dep.Kind != ValueText {
			return false
		}
		return strings.Contains(strings.ToLower(dep.Text), strings.ToLower(cond.Value))
	default:
		return true
	}
}
