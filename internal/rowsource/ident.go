package rowsource

import (
	"strings"

	"enrichd/internal/domain"
)

const maxIdentifierLen = 128

// QuoteIdentifier wraps a SQL identifier in double quotes, escaping any
// embedded double-quote characters by doubling them.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func validateTableName(name string) error {
	if name == "" {
		return domain.ErrValidation("table name is required")
	}
	if len(name) > maxIdentifierLen {
		return domain.ErrValidation("table name must be at most %d characters", maxIdentifierLen)
	}
	if strings.ContainsRune(name, 0) {
		return domain.ErrValidation("table name contains invalid characters")
	}
	return nil
}
