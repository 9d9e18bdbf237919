// Package store is the read-only gateway between rule evaluation and the
// asset snapshot: table existence checks and predicate execution.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/yairfalse/vahti/internal/policy"
)

// AssetIDColumn is the result column that names the violating asset.
// It is matched case-insensitively.
const AssetIDColumn = "assetId"

// ErrTableNotFound is returned when a predicate reads a table the snapshot
// does not have.
var ErrTableNotFound = errors.New("table not found")

// Gateway answers the two questions rule evaluation asks of the snapshot.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// TableExists reports whether the snapshot holds the named table.
	TableExists(ctx context.Context, table string) (bool, error)
	// Query runs the predicate against the snapshot, narrowed to scope.
	// Failures are reported as *QueryExecutionError.
	Query(ctx context.Context, pred policy.Predicate, scope Scope) ([]Row, error)
}

// ConnectionLimiter is implemented by gateways with a bounded number of
// concurrent queries.
type ConnectionLimiter interface {
	MaxConnections() int
}

// RowSource is what predicate interpreters read from.
type RowSource interface {
	TableExists(ctx context.Context, table string) (bool, error)
	Rows(ctx context.Context, table string, scope Scope) ([]Row, error)
}

// Row is one record returned by a predicate, column name to value.
type Row map[string]any

// Get looks up a column, falling back to a case-insensitive match.
func (r Row) Get(column string) (any, bool) {
	if v, ok := r[column]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, column) {
			return v, true
		}
	}
	return nil, false
}

// AssetID returns the assetId column as a string. ok is false when the
// column is missing, null or empty.
func (r Row) AssetID() (string, bool) {
	v, ok := r.Get(AssetIDColumn)
	if !ok || v == nil {
		return "", false
	}
	var id string
	switch t := v.(type) {
	case string:
		id = t
	case []byte:
		id = string(t)
	default:
		id = fmt.Sprint(t)
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

// Info returns every column except assetId.
func (r Row) Info() map[string]any {
	info := make(map[string]any, len(r))
	for k, v := range r {
		if strings.EqualFold(k, AssetIDColumn) {
			continue
		}
		info[k] = v
	}
	if len(info) == 0 {
		return nil
	}
	return info
}

// Scope narrows the snapshot a scan looks at. The zero value is the whole
// snapshot.
type Scope struct {
	Accounts       []string `json:"accounts,omitempty"`
	Regions        []string `json:"regions,omitempty"`
	ResourceIDs    []string `json:"resourceIds,omitempty"`
	SubnetID       string   `json:"subnetId,omitempty"`
	SecurityGroups []string `json:"securityGroups,omitempty"`
}

// IsZero reports whether the scope selects everything.
func (s Scope) IsZero() bool {
	return len(s.Accounts) == 0 && len(s.Regions) == 0 && len(s.ResourceIDs) == 0 &&
		s.SubnetID == "" && len(s.SecurityGroups) == 0
}

// Key renders the scope as a stable target string, e.g.
// "accounts=1,2;regions=eu-west-1". The whole snapshot is "*".
func (s Scope) Key() string {
	if s.IsZero() {
		return "*"
	}
	var parts []string
	add := func(name string, values []string) {
		if len(values) == 0 {
			return
		}
		sorted := slices.Clone(values)
		slices.Sort(sorted)
		parts = append(parts, name+"="+strings.Join(slices.Compact(sorted), ","))
	}
	add("accounts", s.Accounts)
	add("regions", s.Regions)
	add("resources", s.ResourceIDs)
	if s.SubnetID != "" {
		parts = append(parts, "subnet="+s.SubnetID)
	}
	add("security_groups", s.SecurityGroups)
	return strings.Join(parts, ";")
}

// Matches reports whether a row falls inside the scope. Rows are matched on
// the account_id, region and resource_id columns plus, for subnet and
// security group scopes, the subnet_id and security_groups columns.
func (s Scope) Matches(r Row) bool {
	if len(s.Accounts) > 0 && !slices.Contains(s.Accounts, stringColumn(r, "account_id")) {
		return false
	}
	if len(s.Regions) > 0 && !slices.Contains(s.Regions, stringColumn(r, "region")) {
		return false
	}
	if len(s.ResourceIDs) > 0 {
		id, arn := stringColumn(r, "resource_id"), stringColumn(r, "arn")
		if !slices.Contains(s.ResourceIDs, id) && (arn == "" || !slices.Contains(s.ResourceIDs, arn)) {
			return false
		}
	}
	if s.SubnetID != "" && stringColumn(r, "subnet_id") != s.SubnetID {
		return false
	}
	if len(s.SecurityGroups) > 0 {
		groups := stringsColumn(r, "security_groups")
		if !slices.ContainsFunc(groups, func(g string) bool { return slices.Contains(s.SecurityGroups, g) }) {
			return false
		}
	}
	return true
}

func stringColumn(r Row, column string) string {
	v, _ := r.Get(column)
	s, _ := v.(string)
	return s
}

func stringsColumn(r Row, column string) []string {
	v, _ := r.Get(column)
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			switch g := e.(type) {
			case string:
				out = append(out, g)
			case map[string]any:
				// EC2 style {"GroupId": "sg-1", "GroupName": "web"}
				if id, ok := Row(g).Get("groupId"); ok {
					if s, ok := id.(string); ok {
						out = append(out, s)
					}
				}
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

// QueryExecutionError reports a predicate that could not be run. It always
// leads to an error violation, never a skipped rule.
type QueryExecutionError struct {
	Language policy.Language
	Table    string
	Err      error
}

func (e *QueryExecutionError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("execute %s predicate on %s: %v", e.Language, e.Table, e.Err)
	}
	return fmt.Sprintf("execute %s predicate: %v", e.Language, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// AsQueryError wraps err in a QueryExecutionError unless it already is one.
func AsQueryError(lang policy.Language, table string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryExecutionError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryExecutionError{Language: lang, Table: table, Err: err}
}
