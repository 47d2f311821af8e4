package sourcepool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// Violation is one non-read-only grant or flag found on a source.
type Violation struct {
	Description string
}

// ComplianceReport is the result of VerifyReadOnly for one source_code.
type ComplianceReport struct {
	SourceCode string
	Compliant  bool
	Violations []Violation
}

var writePrivileges = map[string]bool{
	"INSERT":     true,
	"UPDATE":     true,
	"DELETE":     true,
	"TRUNCATE":   true,
	"REFERENCES": true,
	"TRIGGER":    true,
}

// VerifyReadOnly issues a dialect-specific probe confirming the configured
// role cannot mutate data on the source, per spec.md §6.
func (p *Pool) VerifyReadOnly(ctx context.Context, sourceCode string) (ComplianceReport, error) {
	dp, err := p.poolFor(ctx, sourceCode)
	if err != nil {
		return ComplianceReport{}, err
	}

	switch dp.dialect {
	case domain.SourceDialectPostgreSQL:
		return verifyPostgresReadOnly(ctx, sourceCode, dp.pg)
	case domain.SourceDialectMySQL:
		return verifyMySQLReadOnly(ctx, sourceCode, dp.mysql)
	default:
		return ComplianceReport{}, fmt.Errorf("%w: unsupported dialect for source=%s", ErrSourceUnavailable, sourceCode)
	}
}

// verifyPostgresReadOnly scans information_schema privilege grants for the
// current role, per spec.md §6: "PostgreSQL: query information_schema
// privilege grants."
func verifyPostgresReadOnly(ctx context.Context, sourceCode string, pool *pgxpool.Pool) (ComplianceReport, error) {
	rows, err := pool.Query(ctx, `
		SELECT table_name, privilege_type
		FROM information_schema.role_table_grants
		WHERE grantee = current_user
	`)
	if err != nil {
		return ComplianceReport{}, fmt.Errorf("query role_table_grants for source=%s: %w", sourceCode, err)
	}
	defer rows.Close()

	report := ComplianceReport{SourceCode: sourceCode, Compliant: true}
	for rows.Next() {
		var table, privilege string
		if err := rows.Scan(&table, &privilege); err != nil {
			return ComplianceReport{}, fmt.Errorf("scan role_table_grants for source=%s: %w", sourceCode, err)
		}
		if writePrivileges[strings.ToUpper(privilege)] {
			report.Compliant = false
			report.Violations = append(report.Violations, Violation{
				Description: fmt.Sprintf("grant %s on %s", privilege, table),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return ComplianceReport{}, fmt.Errorf("iterate role_table_grants for source=%s: %w", sourceCode, err)
	}
	return report, nil
}

// verifyMySQLReadOnly parses SHOW GRANTS FOR CURRENT_USER() and the global
// read_only/super_read_only flags, per spec.md §6: "MySQL: SHOW GRANTS and
// global read_only/super_read_only flags."
func verifyMySQLReadOnly(ctx context.Context, sourceCode string, db *sql.DB) (ComplianceReport, error) {
	report := ComplianceReport{SourceCode: sourceCode, Compliant: true}

	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		return ComplianceReport{}, fmt.Errorf("show grants for source=%s: %w", sourceCode, err)
	}
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			rows.Close()
			return ComplianceReport{}, fmt.Errorf("scan grants for source=%s: %w", sourceCode, err)
		}
		upper := strings.ToUpper(grant)
		for priv := range writePrivileges {
			if strings.Contains(upper, priv) && !strings.Contains(upper, "GRANT OPTION") {
				report.Compliant = false
				report.Violations = append(report.Violations, Violation{Description: grant})
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ComplianceReport{}, fmt.Errorf("iterate grants for source=%s: %w", sourceCode, err)
	}
	rows.Close()

	var varName, readOnly string
	if err := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'read_only'").Scan(&varName, &readOnly); err == nil {
		if strings.EqualFold(readOnly, "OFF") {
			report.Compliant = false
			report.Violations = append(report.Violations, Violation{Description: "global read_only is OFF"})
		}
	}
	if err := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'super_read_only'").Scan(&varName, &readOnly); err == nil {
		if strings.EqualFold(readOnly, "OFF") {
			report.Compliant = false
			report.Violations = append(report.Violations, Violation{Description: "global super_read_only is OFF"})
		}
	}

	return report, nil
}
