package kommo

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// CustomFieldMap holds the resolved ids of the contact custom fields used
// for phone and email values. EmailFieldID is zero when the account has no
// email field.
type CustomFieldMap struct {
	PhoneFieldID int
	EmailFieldID int
}

// phoneFieldName is the name used when the phone field has to be created,
// matching the product's Spanish-language accounts.
const phoneFieldName = "Teléfono"

type customField struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type customFieldsResponse struct {
	Embedded struct {
		CustomFields []customField `json:"custom_fields"`
	} `json:"_embedded"`
}

func matchesAny(name string, keywords ...string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ResolveCustomFields discovers the account's phone and email custom-field
// ids, creating a phone field when none exists. The result is cached for
// the client's lifetime; call InvalidateCustomFields after changing the
// account's field configuration.
func (c *Client) ResolveCustomFields(ctx context.Context) (*CustomFieldMap, error) {
	c.fieldsMu.Lock()
	defer c.fieldsMu.Unlock()

	if c.fields != nil {
		return c.fields, nil
	}

	var resp customFieldsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v4/contacts/custom_fields", nil, &resp); err != nil {
		return nil, err
	}

	resolved := &CustomFieldMap{}
	for _, f := range resp.Embedded.CustomFields {
		if resolved.PhoneFieldID == 0 &&
			(f.Type == "phone" || matchesAny(f.Name, "phone", "teléfono", "telefono")) {
			resolved.PhoneFieldID = f.ID
		}
		if resolved.EmailFieldID == 0 &&
			(f.Type == "email" || matchesAny(f.Name, "email", "correo")) {
			resolved.EmailFieldID = f.ID
		}
	}

	if resolved.PhoneFieldID == 0 {
		log.Printf("no phone custom field in account, creating one")
		id, err := c.createCustomField(ctx, phoneFieldName, "phone")
		if err != nil {
			return nil, fmt.Errorf("create phone field: %w", err)
		}
		resolved.PhoneFieldID = id
	}

	log.Printf("custom fields resolved: phone=%d email=%d", resolved.PhoneFieldID, resolved.EmailFieldID)
	c.fields = resolved
	return resolved, nil
}

// InvalidateCustomFields drops the cached field map so the next call
// re-resolves it. Kommo does not signal configuration changes, so this is
// the tenant's explicit refresh hook.
func (c *Client) InvalidateCustomFields() {
	c.fieldsMu.Lock()
	c.fields = nil
	c.fieldsMu.Unlock()
}

// createCustomField adds a contact custom field and returns its id.
// Caller holds fieldsMu.
func (c *Client) createCustomField(ctx context.Context, name, fieldType string) (int, error) {
	field := map[string]any{
		"name":         name,
		"type":         fieldType,
		"code":         strings.ToUpper(fieldType),
		"sort":         100,
		"is_api_only":  false,
		"enums":        []any{},
		"is_deletable": true,
		"is_visible":   true,
		"is_required":  false,
		"is_multiple":  false,
	}

	var resp customFieldsResponse
	if err := c.do(ctx, http.MethodPost, "/api/v4/contacts/custom_fields", []any{field}, &resp); err != nil {
		return 0, err
	}
	if len(resp.Embedded.CustomFields) == 0 {
		return 0, fmt.Errorf("kommo: custom field creation returned no id")
	}
	return resp.Embedded.CustomFields[0].ID, nil
}
