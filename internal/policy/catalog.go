package policy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/internal/telemetry"
)

// Problem is one reason a bundle failed to load.
type Problem struct {
	Source   string
	PolicyID string
	RuleID   string
	Message  string
	Err      error
}

func (p Problem) Error() string {
	var b strings.Builder
	if p.Source != "" {
		b.WriteString(p.Source)
		b.WriteString(": ")
	}
	if p.PolicyID != "" {
		b.WriteString("policy ")
		b.WriteString(p.PolicyID)
		if p.RuleID != "" {
			b.WriteString(" rule ")
			b.WriteString(p.RuleID)
		}
		b.WriteString(": ")
	}
	b.WriteString(p.Message)
	if p.Err != nil {
		b.WriteString(": ")
		b.WriteString(p.Err.Error())
	}
	return b.String()
}

func (p Problem) Unwrap() error { return p.Err }

// LoadError is fatal: a catalog with any problem is never built.
type LoadError struct {
	Problems []Problem
}

func (e *LoadError) Error() string {
	if len(e.Problems) == 1 {
		return "load policy catalog: " + e.Problems[0].Error()
	}
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("load policy catalog: %d problems: %s", len(e.Problems), strings.Join(msgs, "; "))
}

func (e *LoadError) Unwrap() []error {
	errs := make([]error, len(e.Problems))
	for i, p := range e.Problems {
		errs[i] = p
	}
	return errs
}

// IsLoadError reports whether err carries a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// Selector narrows a catalog down to the policies and rules a scan should run.
type Selector interface {
	IncludePolicy(p Policy) bool
	IncludeRule(p Policy, r Rule) bool
}

// Catalog is the loaded, validated and read-only set of policies.
type Catalog struct {
	policies []Policy
	byID     map[string]int
}

var bundleValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		_, err := ParseSeverity(fl.Field().String())
		return err == nil
	})
	return v
}

// LoadFiles reads bundles from disk and builds a catalog. Unreadable or
// undecodable bundles are load problems like any other.
func LoadFiles(ctx context.Context, paths ...string) (*Catalog, error) {
	ctx, span := otel.Tracer("policy-catalog").Start(ctx, "catalog.load",
		trace.WithAttributes(attribute.StringSlice("bundle_paths", paths)))
	defer span.End()

	logger := telemetry.NewLogger("policy-catalog")

	bundles, err := ReadBundles(paths...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &LoadError{Problems: []Problem{{Message: "read bundles", Err: err}}}
	}

	catalog, err := Load(bundles)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.WithContext(ctx).Error().
			Err(err).
			Int("bundles", len(bundles)).
			Msg("policy catalog rejected")
		return nil, err
	}

	logger.WithContext(ctx).Info().
		Int("policies", catalog.Len()).
		Int("rules", catalog.RuleCount()).
		Msg("policy catalog loaded")

	return catalog, nil
}

// Load validates bundles and builds a catalog. Every problem across all
// bundles is collected into one LoadError.
func Load(bundles []Bundle) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int, len(bundles))}
	var problems []Problem

	for _, b := range bundles {
		p, probs := convertBundle(b)
		if len(probs) > 0 {
			problems = append(problems, probs...)
			continue
		}
		if _, dup := c.byID[p.PolicyID]; dup {
			problems = append(problems, Problem{Source: b.Source, PolicyID: p.PolicyID, Message: "duplicate policyId"})
			continue
		}
		c.byID[p.PolicyID] = len(c.policies)
		c.policies = append(c.policies, p)
	}

	if len(problems) > 0 {
		return nil, &LoadError{Problems: problems}
	}
	return c, nil
}

func convertBundle(b Bundle) (Policy, []Problem) {
	var problems []Problem

	if err := bundleValidator.Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Policy{}, []Problem{{Source: b.Source, PolicyID: b.PolicyID, Message: "validate bundle", Err: err}}
		}
		for _, fe := range verrs {
			problems = append(problems, Problem{
				Source:   b.Source,
				PolicyID: b.PolicyID,
				Message:  fmt.Sprintf("field %s failed %q validation", fe.Namespace(), fe.Tag()),
			})
		}
		return Policy{}, problems
	}

	p := Policy{
		ID:          b.ID,
		PolicyID:    b.PolicyID,
		PolicyName:  b.PolicyName,
		Description: b.Description,
		Enabled:     boolOr(b.Enabled, true),
		Version:     b.Version,
		Source:      b.Source,
		Rules:       make([]Rule, 0, len(b.Rules)),
	}

	seen := make(map[string]bool, len(b.Rules))
	for _, br := range b.Rules {
		if seen[br.RuleID] {
			problems = append(problems, Problem{Source: b.Source, PolicyID: b.PolicyID, RuleID: br.RuleID, Message: "duplicate ruleId"})
			continue
		}
		seen[br.RuleID] = true

		r, err := convertRule(br)
		if err != nil {
			problems = append(problems, Problem{Source: b.Source, PolicyID: b.PolicyID, RuleID: br.RuleID, Message: err.Error()})
			continue
		}
		p.Rules = append(p.Rules, r)
	}

	return p, problems
}

func convertRule(br BundleRule) (Rule, error) {
	sql, eval := strings.TrimSpace(br.SQL), strings.TrimSpace(br.Eval)
	switch {
	case sql != "" && eval != "":
		return Rule{}, errors.New("both sql and eval are set, exactly one is required")
	case sql == "" && eval == "":
		return Rule{}, errors.New("neither sql nor eval is set, exactly one is required")
	}

	severity, err := ParseSeverity(br.Severity)
	if err != nil {
		return Rule{}, err
	}

	r := Rule{
		ID:                 br.ID,
		RuleID:             br.RuleID,
		RuleName:           br.RuleName,
		Type:               RuleTypeAsset,
		Description:        br.Description,
		Severity:           severity,
		Enabled:            boolOr(br.Enabled, true),
		ManualControl:      br.ManualControl,
		SQL:                sql,
		Eval:               eval,
		Remediation:        br.Remediation,
		RemediationDocURLs: dedupe(br.RemediationDocURLs),
		Version:            br.Version,
	}

	if len(br.ResourceTypes) > 0 {
		r.ResourceTypes = dedupe(br.ResourceTypes)
		return r, nil
	}

	tables, err := ReferencedTables(r.Predicate())
	if err != nil {
		return Rule{}, err
	}
	if len(tables) == 0 {
		return Rule{}, errors.New("cannot determine referenced asset tables, set resourceTypes")
	}
	r.ResourceTypes = tables
	return r, nil
}

// Policies returns copies of all policies in load order.
func (c *Catalog) Policies() []Policy {
	out := make([]Policy, len(c.policies))
	for i, p := range c.policies {
		out[i] = p.Clone()
	}
	return out
}

// Policy returns a copy of the policy with the given ID.
func (c *Catalog) Policy(policyID string) (Policy, bool) {
	i, ok := c.byID[policyID]
	if !ok {
		return Policy{}, false
	}
	return c.policies[i].Clone(), true
}

// Len returns the number of policies.
func (c *Catalog) Len() int {
	return len(c.policies)
}

// RuleCount returns the number of rules across all policies.
func (c *Catalog) RuleCount() int {
	n := 0
	for _, p := range c.policies {
		n += len(p.Rules)
	}
	return n
}

// Select returns a sub-catalog holding only what sel includes.
func (c *Catalog) Select(sel Selector) *Catalog {
	if sel == nil {
		return c
	}
	out := &Catalog{byID: make(map[string]int)}
	for _, p := range c.policies {
		if !sel.IncludePolicy(p) {
			continue
		}
		kept := p.Clone()
		kept.Rules = slices.DeleteFunc(kept.Rules, func(r Rule) bool { return !sel.IncludeRule(p, r) })
		out.byID[kept.PolicyID] = len(out.policies)
		out.policies = append(out.policies, kept)
	}
	return out
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
