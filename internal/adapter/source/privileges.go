package source

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// The connecting account may hold SELECT on tables/views plus protocol-level
// connection privileges. Anything else is a violation.

// forbiddenMySQLPrivs are privilege tokens that disqualify an account when
// present in any grant.
var forbiddenMySQLPrivs = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "REPLACE": {},
	"ALTER": {}, "CREATE": {}, "DROP": {}, "TRUNCATE": {},
	"INDEX": {}, "TRIGGER": {}, "EVENT": {}, "EXECUTE": {},
	"REFERENCES": {}, "GRANT OPTION": {}, "FILE": {}, "SUPER": {},
	"CREATE VIEW": {}, "CREATE ROUTINE": {}, "ALTER ROUTINE": {},
}

// inspectAccount checks that the connected account is strictly read-only.
// The report is cached by the registry until the catalog row changes.
func inspectAccount(ctx domain.Context, db *sqlx.DB, src domain.SourceDatabase) (domain.PrivilegeReport, error) {
	tracer := otel.Tracer("source.privileges")
	ctx, span := tracer.Start(ctx, "privileges.Inspect")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.code", src.SourceCode),
		attribute.String("db.type", string(src.Type)),
	)

	report := domain.PrivilegeReport{SourceCode: src.SourceCode}
	var err error
	switch src.Type {
	case domain.SourceMySQL:
		report.Violations, err = inspectMySQL(ctx, db)
	case domain.SourcePostgres:
		report.Violations, err = inspectPostgres(ctx, db)
	default:
		report.Violations = []string{"Unknown DB type - cannot verify privileges"}
	}
	if err != nil {
		return domain.PrivilegeReport{}, fmt.Errorf("op=privileges.inspect %s: %w: %v", src.SourceCode, domain.ErrSourceUnavailable, err)
	}
	span.SetAttributes(attribute.Int("privileges.violations", len(report.Violations)))
	if !report.Clean() {
		slog.Warn("source account failed privilege inspection",
			slog.String("source_code", src.SourceCode),
			slog.Any("violations", report.Violations))
	}
	return report, nil
}

// inspectMySQL first checks instance read-only state: a read-only instance
// with a non-SUPER user cannot write regardless of grants, so the account is
// admitted without parsing. Otherwise SHOW GRANTS is parsed strictly.
func inspectMySQL(ctx domain.Context, db *sqlx.DB) ([]string, error) {
	grants, err := showGrants(ctx, db)
	if err != nil {
		return nil, err
	}
	hasSuper := false
	for _, g := range grants {
		privs, scope, _ := parseGrant(g)
		if scope == "*.*" && (containsPriv(privs, "SUPER") || containsPriv(privs, "ALL") || containsPriv(privs, "ALL PRIVILEGES")) {
			hasSuper = true
			break
		}
	}

	if ro, err := instanceReadOnly(ctx, db); err == nil && ro && !hasSuper {
		return nil, nil
	}

	var violations []string
	for _, g := range grants {
		privs, scope, grantOption := parseGrant(g)
		if containsPriv(privs, "ALL") || containsPriv(privs, "ALL PRIVILEGES") {
			violations = append(violations, fmt.Sprintf("ALL PRIVILEGES granted: %s", g))
			continue
		}
		if grantOption {
			violations = append(violations, fmt.Sprintf("GRANT OPTION held: %s", g))
			continue
		}
		if scope == "*.*" {
			if !globalScopeAllowed(privs) {
				violations = append(violations, fmt.Sprintf("global grant beyond SELECT/USAGE: %s", g))
				continue
			}
		}
		for _, p := range privs {
			if _, bad := forbiddenMySQLPrivs[p]; bad {
				violations = append(violations, fmt.Sprintf("%s privilege held: %s", p, g))
				break
			}
		}
	}
	return violations, nil
}

// instanceReadOnly reads the read_only variables, falling back to SHOW
// VARIABLES on servers that lack super_read_only (MariaDB).
func instanceReadOnly(ctx domain.Context, db *sqlx.DB) (bool, error) {
	var globalRO, superRO, sessionRO string
	row := db.QueryRowxContext(ctx, "SELECT @@GLOBAL.read_only, @@GLOBAL.super_read_only, @@SESSION.read_only")
	if err := row.Scan(&globalRO, &superRO, &sessionRO); err == nil {
		return isOn(globalRO) || isOn(superRO) || isOn(sessionRO), nil
	}
	rows, err := db.QueryxContext(ctx, "SHOW VARIABLES LIKE '%read_only%'")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	ro := false
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return false, err
		}
		switch strings.ToLower(name) {
		case "read_only", "super_read_only":
			ro = ro || isOn(value)
		}
	}
	return ro, rows.Err()
}

func isOn(v string) bool {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "1", "ON", "TRUE", "YES":
		return true
	}
	return false
}

func showGrants(ctx domain.Context, db *sqlx.DB) ([]string, error) {
	rows, err := db.QueryxContext(ctx, "SHOW GRANTS")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// parseGrant splits one SHOW GRANTS line into its privilege tokens, its
// scope (e.g. "*.*" or "`app`.*"), and whether it carries GRANT OPTION.
func parseGrant(grant string) (privs []string, scope string, grantOption bool) {
	upper := strings.ToUpper(grant)
	grantOption = strings.Contains(upper, "WITH GRANT OPTION")

	rest, ok := strings.CutPrefix(upper, "GRANT ")
	if !ok {
		return nil, "", grantOption
	}
	privPart, after, ok := strings.Cut(rest, " ON ")
	if !ok {
		return nil, "", grantOption
	}
	scopePart, _, _ := strings.Cut(after, " TO ")
	scope = strings.ReplaceAll(strings.TrimSpace(scopePart), "`", "")
	for _, p := range strings.Split(privPart, ",") {
		p = strings.TrimSpace(p)
		// Strip column lists like SELECT (col1, col2).
		if i := strings.IndexByte(p, '('); i >= 0 {
			p = strings.TrimSpace(p[:i])
		}
		if p != "" {
			privs = append(privs, p)
		}
	}
	return privs, scope, grantOption
}

func containsPriv(privs []string, want string) bool {
	for _, p := range privs {
		if p == want {
			return true
		}
	}
	return false
}

// globalScopeAllowed permits *.* grants that are pure USAGE, or SELECT
// optionally with SHOW VIEW.
func globalScopeAllowed(privs []string) bool {
	if len(privs) == 1 && privs[0] == "USAGE" {
		return true
	}
	for _, p := range privs {
		if p != "SELECT" && p != "SHOW VIEW" {
			return false
		}
	}
	return len(privs) > 0
}

// inspectPostgres flags any non-SELECT table privilege held directly or via
// role membership, CREATE on a non-system schema, and ownership of any
// table or view.
func inspectPostgres(ctx domain.Context, db *sqlx.DB) ([]string, error) {
	var violations []string

	rows, err := db.QueryxContext(ctx, `SELECT DISTINCT privilege_type, table_schema, table_name
		FROM information_schema.table_privileges
		WHERE privilege_type <> 'SELECT'
		  AND grantee <> 'PUBLIC'
		  AND pg_has_role(current_user, grantee, 'USAGE')`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var priv, schema, table string
		if err := rows.Scan(&priv, &schema, &table); err != nil {
			rows.Close()
			return nil, err
		}
		violations = append(violations, fmt.Sprintf("%s privilege on %s.%s", priv, schema, table))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = db.QueryxContext(ctx, `SELECT nspname FROM pg_catalog.pg_namespace
		WHERE nspname NOT IN ('pg_catalog','information_schema')
		  AND nspname NOT LIKE 'pg_temp%' AND nspname NOT LIKE 'pg_toast%'
		  AND has_schema_privilege(current_user, nspname, 'CREATE')`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			rows.Close()
			return nil, err
		}
		violations = append(violations, fmt.Sprintf("CREATE privilege on schema %s", schema))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = db.QueryxContext(ctx, `SELECT n.nspname, c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r','v','m','p')
		  AND pg_get_userbyid(c.relowner) = current_user
		  AND n.nspname NOT IN ('pg_catalog','information_schema')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var schema, rel string
		if err := rows.Scan(&schema, &rel); err != nil {
			return nil, err
		}
		violations = append(violations, fmt.Sprintf("owns relation %s.%s", schema, rel))
	}
	return violations, rows.Err()
}
