package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/vahti/internal/policy"
)

// ViolationRule is the rule every Rego predicate defines. Its elements are
// asset IDs or objects carrying an assetId key.
const ViolationRule = "violation"

// RegoEngine evaluates Rego predicates. Rows of each referenced table are
// passed as input.assets.<table>; the scan scope is input.scope.
type RegoEngine struct {
	cache *lru.Cache[string, rego.PreparedEvalQuery]
}

// NewRegoEngine creates an engine caching up to size prepared queries.
func NewRegoEngine(size int) (*RegoEngine, error) {
	cache, err := lru.New[string, rego.PreparedEvalQuery](size)
	if err != nil {
		return nil, fmt.Errorf("create rego query cache: %w", err)
	}
	return &RegoEngine{cache: cache}, nil
}

// Evaluate runs pred against the rows of pred.Tables. A referenced table the
// source does not have fails the query.
func (e *RegoEngine) Evaluate(ctx context.Context, pred policy.Predicate, src RowSource, scope Scope) ([]Row, error) {
	query, err := e.prepare(ctx, pred.Text)
	if err != nil {
		return nil, &QueryExecutionError{Language: policy.LanguageRego, Err: err}
	}

	tables := pred.Tables
	if len(tables) == 0 {
		if tables, err = policy.ReferencedTables(pred); err != nil {
			return nil, &QueryExecutionError{Language: policy.LanguageRego, Err: err}
		}
	}

	assets := make(map[string]any, len(tables))
	for _, table := range tables {
		exists, err := src.TableExists(ctx, table)
		if err != nil {
			return nil, AsQueryError(policy.LanguageRego, table, err)
		}
		if !exists {
			return nil, &QueryExecutionError{Language: policy.LanguageRego, Table: table, Err: ErrTableNotFound}
		}
		rows, err := src.Rows(ctx, table, scope)
		if err != nil {
			return nil, AsQueryError(policy.LanguageRego, table, err)
		}
		docs := make([]any, len(rows))
		for i, r := range rows {
			docs[i] = map[string]any(r)
		}
		assets[table] = docs
	}

	input := map[string]any{
		policy.AssetsKey: assets,
		"scope":          scopeDocument(scope),
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, &QueryExecutionError{Language: policy.LanguageRego, Err: fmt.Errorf("evaluation failed: %w", err)}
	}

	rows, err := violationRows(results)
	if err != nil {
		return nil, &QueryExecutionError{Language: policy.LanguageRego, Err: err}
	}
	return rows, nil
}

func (e *RegoEngine) prepare(ctx context.Context, module string) (rego.PreparedEvalQuery, error) {
	sum := sha256.Sum256([]byte(module))
	key := hex.EncodeToString(sum[:])
	if q, ok := e.cache.Get(key); ok {
		return q, nil
	}

	parsed, err := ast.ParseModule("eval.rego", module)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("parse rego module: %w", err)
	}

	q, err := rego.New(
		rego.Query(parsed.Package.Path.String()+"."+ViolationRule),
		rego.ParsedModule(parsed),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to compile policy: %w", err)
	}

	e.cache.Add(key, q)
	return q, nil
}

// violationRows turns the violation set into rows. An undefined rule is no
// violations.
func violationRows(results rego.ResultSet) ([]Row, error) {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	var elems []any
	switch v := results[0].Expressions[0].Value.(type) {
	case []any:
		elems = v
	case map[string]any:
		// partial object rule: key is the asset ID
		for id, info := range v {
			row := Row{AssetIDColumn: id}
			if m, ok := info.(map[string]any); ok {
				for k, val := range m {
					row[k] = val
				}
			}
			elems = append(elems, map[string]any(row))
		}
	case bool:
		return nil, fmt.Errorf("%s must be a set, got a boolean", ViolationRule)
	default:
		return nil, fmt.Errorf("%s must be a set, got %T", ViolationRule, v)
	}

	rows := make([]Row, 0, len(elems))
	for _, el := range elems {
		switch v := el.(type) {
		case string:
			rows = append(rows, Row{AssetIDColumn: v})
		case map[string]any:
			rows = append(rows, Row(v))
		default:
			return nil, fmt.Errorf("unexpected %s element %T: want string or object", ViolationRule, el)
		}
	}
	return rows, nil
}

func scopeDocument(s Scope) map[string]any {
	strs := func(in []string) []any {
		out := make([]any, len(in))
		for i, v := range in {
			out[i] = v
		}
		return out
	}
	return map[string]any{
		"accounts":       strs(s.Accounts),
		"regions":        strs(s.Regions),
		"resourceIds":    strs(s.ResourceIDs),
		"subnetId":       s.SubnetID,
		"securityGroups": strs(s.SecurityGroups),
	}
}
