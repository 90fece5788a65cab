// Package rls scopes a PostgreSQL transaction to one tenant for row-level security.
package rls

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var ErrMissingTenant = errors.New("rls_missing_tenant")

// WithTenant sets app.current_tenant_id for the rest of the transaction.
// Only PostgreSQL understands the setting; other dialects are left untouched.
func WithTenant(tx *gorm.DB, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrMissingTenant
	}
	if !strings.EqualFold(tx.Dialector.Name(), "postgres") {
		return nil
	}
	return tx.Exec("SELECT set_config('app.current_tenant_id', ?, true)", tenantID).Error
}
