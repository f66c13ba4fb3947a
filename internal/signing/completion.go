package signing

// IsComplete reports whether every field owned by the recipient is satisfied.
// Attachment fields need at least one recorded reference only when required;
// every other field type counts as complete once a value entry exists,
// whatever its content. Fields owned by other recipients never block, and
// fields hidden by their conditional rule are skipped.
func IsComplete(registry *Registry, recipientIndex int, values Values) bool {
	return len(IncompleteFields(registry, recipientIndex, values)) == 0
}

// IncompleteFields returns the ids of the recipient's unsatisfied fields in
// registry order, so callers can offer go-to-field shortcuts.
func IncompleteFields(registry *Registry, recipientIndex int, values Values) []string {
	missing := make([]string, 0)
	for _, field := range registry.ForRecipient(recipientIndex) {
		if !registry.IsVisible(field, values) {
			continue
		}
		if fieldSatisfied(field, values) {
			continue
		}
		missing = append(missing, field.ID)
	}
	return missing
}

func fieldSatisfied(field Field, values Values) bool {
	value, ok := values[field.ID]
	if field.Type == FieldAttachment {
		if !field.Required {
			return true
		}
		return ok && len(value.Attachments) > 0
	}
	// Presence, not truthiness: an explicit empty string is still filled.
	return ok
}
