package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/open-policy-agent/opa/rego"
)

// PolicyContext is the caller identity threaded into every episodic-memory
// policy evaluation: the OPA rules below only ever see these three fields,
// never the raw security.Identity the route layer built it from.
type PolicyContext struct {
	UserID    string                 `json:"user_id"`
	ClientID  string                 `json:"client_id"`
	JWTClaims map[string]interface{} `json:"jwt_claims"`
}

// policyQuery names one of the three evaluation points a PolicyEngine
// prepares and re-prepares together, so the three can't drift out of sync
// with each other when a bundle is hot-swapped.
type policyQuery string

const (
	queryAuthz  policyQuery = "data.memories.authz.allow"
	queryAttrs  policyQuery = "data.memories.attributes.attributes"
	queryFilter policyQuery = "data.memories.filter"
)

// PolicyEngine evaluates the episodic-memory Rego bundle:
//  1. authz — read/write/delete access per (namespace, key).
//  2. attrs — extracts plaintext policy_attributes from value+attributes.
//  3. filter — narrows namespace_prefix and adds attribute_filter constraints.
//
// All three queries are prepared from one bundle and swapped atomically, so
// a caller never evaluates authz against one generation of policy and filter
// injection against another.
type PolicyEngine struct {
	mu      sync.RWMutex
	queries map[policyQuery]*rego.PreparedEvalQuery
	bundle  PolicyBundle
}

// PolicyBundle is the source text for the three episodic Rego policies.
type PolicyBundle struct {
	Authz      string `json:"authz"`
	Attributes string `json:"attributes"`
	Filter     string `json:"filter"`
}

func (b PolicyBundle) trimmed() PolicyBundle {
	return PolicyBundle{
		Authz:      strings.TrimSpace(b.Authz),
		Attributes: strings.TrimSpace(b.Attributes),
		Filter:     strings.TrimSpace(b.Filter),
	}
}

func (b PolicyBundle) validate() error {
	if b.Authz == "" || b.Attributes == "" || b.Filter == "" {
		return fmt.Errorf("authz, attributes, and filter policies are required")
	}
	return nil
}

// Built-in Rego policies, used whenever a bundle file is absent from the
// configured policy directory (or no directory is configured at all). Every
// non-admin caller is confined to the "user/<id>" subtree of the namespace
// tree; admins see everything.
const defaultAuthzRego = `
package memories.authz

import future.keywords.if
import future.keywords.in

default allow = false

allow if {
	is_admin
}

allow if {
	not is_admin
	count(input.namespace) >= 2
	input.namespace[0] == "user"
	input.namespace[1] == input.context.user_id
}

is_admin if {
	"admin" in input.context.jwt_claims.roles
}
`

const defaultAttrExtractRego = `
package memories.attributes

import future.keywords.if

default attributes = {}

attributes = {"namespace": input.namespace[0], "sub": input.namespace[1]} if {
	count(input.namespace) >= 2
}
`

const defaultFilterInjectRego = `
package memories.filter

import future.keywords.if
import future.keywords.in

namespace_prefix := input.namespace_prefix if {
	is_admin
}

namespace_prefix := input.namespace_prefix if {
	not is_admin
	prefix_within(input.namespace_prefix, user_root)
}

namespace_prefix := user_root if {
	not is_admin
	not prefix_within(input.namespace_prefix, user_root)
}

attribute_filter := {} if {
	is_admin
}

attribute_filter := {"namespace": "user", "sub": input.context.user_id} if {
	not is_admin
}

user_root := ["user", input.context.user_id]

prefix_within(ns, root) if {
	count(root) == 0
}

prefix_within(ns, root) if {
	count(ns) >= count(root)
	not diverges(ns, root)
}

diverges(ns, root) if {
	some i
	i < count(root)
	ns[i] != root[i]
}

is_admin if {
	"admin" in input.context.jwt_claims.roles
}
`

// NewPolicyEngine builds a PolicyEngine. When policyDir is non-empty,
// authz.rego/attributes.rego/filter.rego are read from it; any file missing
// from the directory falls back to its built-in default individually.
func NewPolicyEngine(ctx context.Context, policyDir string) (*PolicyEngine, error) {
	e := &PolicyEngine{}
	bundle := loadBundleFromDir(policyDir)
	if err := e.swap(ctx, bundle); err != nil {
		return nil, err
	}
	return e, nil
}

func loadBundleFromDir(policyDir string) PolicyBundle {
	return PolicyBundle{
		Authz:      regoSource(policyDir, "authz.rego", defaultAuthzRego),
		Attributes: regoSource(policyDir, "attributes.rego", defaultAttrExtractRego),
		Filter:     regoSource(policyDir, "filter.rego", defaultFilterInjectRego),
	}
}

func regoSource(policyDir, filename, fallback string) string {
	if policyDir == "" {
		return fallback
	}
	data, err := os.ReadFile(filepath.Join(policyDir, filename))
	if err != nil {
		log.Warn("Policy file not found, using built-in default", "file", filename, "err", err)
		return fallback
	}
	return string(data)
}

// swap compiles bundle into a fresh query set and, only once every query
// compiles cleanly, publishes it — a bad bundle never leaves the engine
// half-upgraded.
func (e *PolicyEngine) swap(ctx context.Context, bundle PolicyBundle) error {
	queries := map[policyQuery]*rego.PreparedEvalQuery{}

	authz, err := prepareQuery(ctx, bundle.Authz, queryAuthz)
	if err != nil {
		return fmt.Errorf("episodic: compile authz policy: %w", err)
	}
	queries[queryAuthz] = authz

	attrs, err := prepareQuery(ctx, bundle.Attributes, queryAttrs)
	if err != nil {
		return fmt.Errorf("episodic: compile attribute extraction policy: %w", err)
	}
	queries[queryAttrs] = attrs

	filter, err := prepareQuery(ctx, bundle.Filter, queryFilter)
	if err != nil {
		return fmt.Errorf("episodic: compile filter injection policy: %w", err)
	}
	queries[queryFilter] = filter

	e.mu.Lock()
	e.queries = queries
	e.bundle = bundle
	e.mu.Unlock()
	return nil
}

// Reload hot-reloads policies from policyDir. Thread-safe; a compile error
// leaves the previously active bundle in effect.
func (e *PolicyEngine) Reload(ctx context.Context, policyDir string) error {
	return e.swap(ctx, loadBundleFromDir(policyDir))
}

// Bundle returns the currently active policy sources.
func (e *PolicyEngine) Bundle() PolicyBundle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bundle
}

// ReplaceBundle validates and hot-swaps policies from source text.
func (e *PolicyEngine) ReplaceBundle(ctx context.Context, bundle PolicyBundle) error {
	bundle = bundle.trimmed()
	if err := bundle.validate(); err != nil {
		return err
	}
	return e.swap(ctx, bundle)
}

func prepareQuery(ctx context.Context, src string, query policyQuery) (*rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Query(string(query)),
		rego.Module("policy.rego", src),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &pq, nil
}

func (e *PolicyEngine) query(q policyQuery) rego.PreparedEvalQuery {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *e.queries[q]
}

// IsAllowed evaluates the authz policy for one (operation, namespace, key).
func (e *PolicyEngine) IsAllowed(ctx context.Context, operation string, namespace []string, key string, pc PolicyContext) (bool, error) {
	input := map[string]interface{}{
		"operation": operation,
		"namespace": namespace,
		"key":       key,
		"context":   policyContextToMap(pc),
	}
	results, err := e.query(queryAuthz).Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("episodic authz eval: %w", err)
	}
	allow, _ := firstExpression(results).(bool)
	return allow, nil
}

// ExtractAttributes evaluates the attribute extraction policy and returns
// the plaintext policy_attributes to persist alongside the memory.
func (e *PolicyEngine) ExtractAttributes(ctx context.Context, namespace []string, key string, value, attributes map[string]interface{}) (map[string]interface{}, error) {
	input := map[string]interface{}{
		"namespace":  namespace,
		"key":        key,
		"value":      value,
		"attributes": attributes,
	}
	results, err := e.query(queryAttrs).Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("episodic attr extract eval: %w", err)
	}
	extracted, _ := firstExpression(results).(map[string]interface{})
	if extracted == nil {
		extracted = map[string]interface{}{}
	}
	return extracted, nil
}

// InjectFilter evaluates the search filter injection policy and returns the
// effective namespace_prefix and merged attribute_filter for a search.
func (e *PolicyEngine) InjectFilter(ctx context.Context, nsPrefix []string, filter map[string]interface{}, pc PolicyContext) ([]string, map[string]interface{}, error) {
	input := map[string]interface{}{
		"namespace_prefix": nsPrefix,
		"filter":           filter,
		"context":          policyContextToMap(pc),
	}
	results, err := e.query(queryFilter).Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nsPrefix, filter, fmt.Errorf("episodic filter inject eval: %w", err)
	}
	m, _ := firstExpression(results).(map[string]interface{})
	if m == nil {
		return nsPrefix, filter, nil
	}

	effectivePrefix := nsPrefix
	if raw, ok := m["namespace_prefix"]; ok {
		effectivePrefix = toStringSlice(raw)
	}

	merged := make(map[string]interface{}, len(filter))
	for k, v := range filter {
		merged[k] = v
	}
	if af, ok := m["attribute_filter"].(map[string]interface{}); ok {
		for k, v := range af {
			merged[k] = v
		}
	}
	return effectivePrefix, merged, nil
}

func firstExpression(results rego.ResultSet) interface{} {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}
	return results[0].Expressions[0].Value
}

func policyContextToMap(pc PolicyContext) map[string]interface{} {
	claims := pc.JWTClaims
	if claims == nil {
		claims = map[string]interface{}{}
	}
	return map[string]interface{}{
		"user_id":    pc.UserID,
		"client_id":  pc.ClientID,
		"jwt_claims": claims,
	}
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

// ParseAttributeFilter parses a flat JSON attribute filter map from a
// request body. Returns it as-is; validation happens at query time via
// BuildSQLFilter, which rejects any key that isn't a safe identifier.
func ParseAttributeFilter(raw json.RawMessage) (map[string]interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid attribute filter: %w", err)
	}
	return m, nil
}

// AttributeKeyPattern is the set of identifiers a backend's filter builder
// may embed directly into a query fragment (SQL column path or Mongo field
// name). Anything else is rejected rather than escaped — policy_attributes
// keys are JSONB/BSON field names chosen by the authz/attribute-extraction
// policy, not untrusted free text, so a restrictive allow-list is cheaper
// and safer than per-backend quote- or dollar-sign-stripping.
var AttributeKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,63}$`)

// BuildSQLFilter builds a `?`-parameterized SQL WHERE clause fragment and
// args for the given attribute filter, ready for gorm.DB.Where(clause,
// args...). Keys match JSONB fields in policy_attributes. Supported forms:
// bare scalar (equality), {"in": [...]}, {"gt"|"gte"|"lt"|"lte": value}.
// Returns an error if any key fails the identifier allow-list rather than
// silently dropping or misquoting it.
func BuildSQLFilter(filter map[string]interface{}) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []interface{}

	for key, val := range filter {
		if !AttributeKeyPattern.MatchString(key) {
			return "", nil, fmt.Errorf("invalid attribute filter key %q", key)
		}
		switch v := val.(type) {
		case map[string]interface{}:
			if members, ok := v["in"]; ok {
				if list := toInterfaceSlice(members); len(list) > 0 {
					placeholders := make([]string, len(list))
					for i, m := range list {
						args = append(args, jsonScalar(m))
						placeholders[i] = "?"
					}
					clauses = append(clauses, fmt.Sprintf(
						"policy_attributes->>'%s' = ANY(ARRAY[%s]::text[])", key, strings.Join(placeholders, ",")))
				}
			}
			for op, rhs := range v {
				sqlOp, ok := comparisonOperators[op]
				if !ok {
					continue
				}
				args = append(args, rhs)
				clauses = append(clauses, fmt.Sprintf(
					"(policy_attributes->>'%s')::numeric %s ?", key, sqlOp))
			}
		default:
			args = append(args, jsonScalar(v))
			clauses = append(clauses, fmt.Sprintf("policy_attributes->>'%s' = ?", key))
		}
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return strings.Join(clauses, " AND "), args, nil
}

var comparisonOperators = map[string]string{
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

func jsonScalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return strings.Trim(string(b), `"`)
	}
}

func toInterfaceSlice(v interface{}) []interface{} {
	if t, ok := v.([]interface{}); ok {
		return t
	}
	return nil
}
