package contracts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/canonicalize"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

//go:embed schema/repair_contract.schema.json
var repairContractSchema string

const repairContractSchemaURL = "https://schemas.repair.local/repair_contract.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func contractSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(repairContractSchemaURL, strings.NewReader(repairContractSchema)); err != nil {
			schemaErr = fmt.Errorf("contract schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(repairContractSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("contract schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// ValidationResult collects every structural problem found in a raw contract.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateContractStructure checks untrusted contract JSON before it is hashed or
// decoded into the typed core. It does not verify the hash itself.
func ValidateContractStructure(raw []byte) ValidationResult {
	var errs []string
	add := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		for _, e := range errs {
			if e == msg {
				return
			}
		}
		errs = append(errs, msg)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return ValidationResult{Valid: false, Errors: []string{"contract must be a JSON object"}}
	}

	schema, err := contractSchema()
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for _, leaf := range leafCauses(ve) {
				loc := leaf.InstanceLocation
				if loc == "" {
					loc = "/"
				}
				add("%s: %s", loc, leaf.Message)
			}
		} else {
			add("schema validation: %v", err)
		}
	}

	for _, field := range []string{"target_primary_job_id", "reason", "created_at", "contract_hash"} {
		if _, present := obj[field]; !present {
			add("missing field %q", field)
		}
	}

	if scope, ok := obj["repair_scope"].(map[string]interface{}); ok {
		if list, ok := scope["batch_indices"].([]interface{}); ok {
			checkIndices(list, add)
		}
	} else if _, present := obj["repair_scope"]; !present {
		add("missing field %q", "repair_scope")
	}

	if h, ok := obj["contract_hash"].(string); ok {
		if _, _, err := canonicalize.ParseDigest(h); err != nil {
			add("contract_hash: %v", err)
		}
	}
	if ts, ok := obj["created_at"].(string); ok {
		if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
			add("created_at: not an RFC 3339 timestamp")
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func checkIndices(list []interface{}, add func(string, ...any)) {
	var ints []int64
	for i, v := range list {
		n, ok := v.(json.Number)
		if !ok {
			add("repair_scope.batch_indices[%d]: not a number", i)
			continue
		}
		x, err := n.Int64()
		if err != nil {
			add("repair_scope.batch_indices[%d]: not an integer", i)
			continue
		}
		if x < 0 {
			add("repair_scope.batch_indices[%d]: negative index %d", i, x)
			continue
		}
		ints = append(ints, x)
	}
	if !sort.SliceIsSorted(ints, func(a, b int) bool { return ints[a] < ints[b] }) {
		add("repair_scope.batch_indices: not sorted ascending")
	}
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// ParseContract validates raw JSON structurally and decodes it. The hash is not
// checked here; callers follow up with VerifyContractHash.
func ParseContract(raw []byte) (*RepairContract, error) {
	res := ValidateContractStructure(raw)
	if !res.Valid {
		return nil, fmt.Errorf("%w: %s", repairerrors.ErrInvalidInput, strings.Join(res.Errors, "; "))
	}
	var c RepairContract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: decode contract: %v", repairerrors.ErrInvalidInput, err)
	}
	return &c, nil
}
