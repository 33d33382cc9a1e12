// Package policy decides whether a proposed repair may be promoted without a human.
//
// The only conflict rule is index overlap: a repair that touches batches already
// present in the base needs approval; one that only fills gaps does not. Integrity
// failures and operator guards block outright.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

type Decision string

const (
	DecisionAutoPromote  Decision = "AUTO_PROMOTE"
	DecisionRequireHuman Decision = "REQUIRE_HUMAN"
	DecisionBlock        Decision = "BLOCK"
)

type ReasonCode string

const (
	ReasonContractInvalid      ReasonCode = "CONTRACT_INVALID"
	ReasonContractTampered     ReasonCode = "CONTRACT_TAMPERED"
	ReasonBaseNotAuthoritative ReasonCode = "BASE_NOT_AUTHORITATIVE"
	ReasonBaseTampered         ReasonCode = "BASE_TAMPERED"
	ReasonGuardRejected        ReasonCode = "GUARD_REJECTED"
	ReasonOverlap              ReasonCode = "OVERLAP"
	ReasonUntrustedBase        ReasonCode = "UNTRUSTED_BASE"
	ReasonGapFill              ReasonCode = "GAP_FILL"
)

// Evaluation is the outcome of one policy run.
type Evaluation struct {
	Decision   Decision       `json:"decision"`
	ReasonCode ReasonCode     `json:"reason_code"`
	Details    map[string]any `json:"details,omitempty"`
}

// Guard is an operator-supplied CEL expression. When it evaluates to true the repair
// is blocked.
type Guard struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Expr string `json:"expr" yaml:"expr" mapstructure:"expr"`
}

type compiledGuard struct {
	Guard
	prg cel.Program
}

// Engine evaluates repairs. It is safe for concurrent use.
type Engine struct {
	minTrustedBaseBatches int
	env                   *cel.Env

	mu     sync.RWMutex
	guards []compiledGuard
}

type Option func(*Engine)

// WithMinTrustedBaseBatches sets how many batches a base needs before a gap fill on it
// can be promoted automatically. Zero trusts every base, including empty ones.
func WithMinTrustedBaseBatches(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.minTrustedBaseBatches = n
		}
	}
}

// DefaultMinTrustedBaseBatches rejects automatic promotion onto an empty base.
const DefaultMinTrustedBaseBatches = 1

func NewEngine(guards []Guard, opts ...Option) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("target", cel.StringType),
		cel.Variable("batch_indices", cel.ListType(cel.IntType)),
		cel.Variable("reason", cel.StringType),
		cel.Variable("base_batch_count", cel.IntType),
		cel.Variable("generation", cel.IntType),
		cel.Variable("operation_mode", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &Engine{
		minTrustedBaseBatches: DefaultMinTrustedBaseBatches,
		env:                   env,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, g := range guards {
		if err := e.AddGuard(g); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AddGuard compiles and installs a guard.
func (e *Engine) AddGuard(g Guard) error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return fmt.Errorf("guard name is required")
	}
	ast, issues := e.env.Compile(g.Expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("guard %s: compile: %w", g.Name, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("guard %s: expression must return bool, got %s", g.Name, ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return fmt.Errorf("guard %s: program: %w", g.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.guards {
		if e.guards[i].Name == g.Name {
			e.guards[i] = compiledGuard{Guard: g, prg: prg}
			return nil
		}
	}
	e.guards = append(e.guards, compiledGuard{Guard: g, prg: prg})
	return nil
}

// Guards lists installed guards in evaluation order.
func (e *Engine) Guards() []Guard {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Guard, len(e.guards))
	for i, g := range e.guards {
		out[i] = g.Guard
	}
	return out
}

func (e *Engine) MinTrustedBaseBatches() int { return e.minTrustedBaseBatches }

// Evaluate classifies a proposed repair. repair may be nil when only the contract and
// base are known.
func (e *Engine) Evaluate(contract *contracts.RepairContract, base, repair *manifest.CompositeManifest) Evaluation {
	if problems := contractProblems(contract, base); len(problems) > 0 {
		return block(ReasonContractInvalid, map[string]any{"errors": problems})
	}
	if !contracts.VerifyContractHash(contract) {
		return block(ReasonContractTampered, map[string]any{"contract_hash": contract.ContractHash})
	}
	if base.Authority.State != manifest.StateAuthoritative {
		return block(ReasonBaseNotAuthoritative, map[string]any{
			"base_job_id": base.JobID,
			"state":       string(base.Authority.State),
		})
	}
	if !manifest.VerifyChecksum(base) {
		return block(ReasonBaseTampered, map[string]any{"base_job_id": base.JobID})
	}
	if ev, blocked := e.runGuards(contract, base, repair); blocked {
		return ev
	}

	if overlap := GetOverlappingBatches(contract, base); len(overlap) > 0 {
		return Evaluation{
			Decision:   DecisionRequireHuman,
			ReasonCode: ReasonOverlap,
			Details:    map[string]any{"overlapping_indices": overlap},
		}
	}
	if n := len(base.VirtualBatches); n < e.minTrustedBaseBatches {
		return Evaluation{
			Decision:   DecisionRequireHuman,
			ReasonCode: ReasonUntrustedBase,
			Details: map[string]any{
				"base_batch_count":         n,
				"min_trusted_base_batches": e.minTrustedBaseBatches,
			},
		}
	}
	return Evaluation{Decision: DecisionAutoPromote, ReasonCode: ReasonGapFill}
}

func (e *Engine) runGuards(contract *contracts.RepairContract, base, repair *manifest.CompositeManifest) (Evaluation, bool) {
	e.mu.RLock()
	guards := append([]compiledGuard(nil), e.guards...)
	e.mu.RUnlock()
	if len(guards) == 0 {
		return Evaluation{}, false
	}

	generation := base.TruthAnchor.Generation + 1
	mode := manifest.ModeRepair
	if repair != nil {
		generation = repair.TruthAnchor.Generation
		mode = repair.OperationMode
	}
	indices := make([]int64, len(contract.RepairScope.BatchIndices))
	for i, idx := range contract.RepairScope.BatchIndices {
		indices[i] = int64(idx)
	}
	vars := map[string]any{
		"target":           contract.TargetPrimaryJobID,
		"batch_indices":    indices,
		"reason":           contract.Reason,
		"base_batch_count": int64(len(base.VirtualBatches)),
		"generation":       int64(generation),
		"operation_mode":   string(mode),
	}

	for _, g := range guards {
		out, _, err := g.prg.Eval(vars)
		if err != nil {
			// An erroring guard fails closed.
			return block(ReasonGuardRejected, map[string]any{"guard": g.Name, "error": err.Error()}), true
		}
		if hit, ok := out.Value().(bool); ok && hit {
			return block(ReasonGuardRejected, map[string]any{"guard": g.Name}), true
		}
	}
	return Evaluation{}, false
}

func contractProblems(c *contracts.RepairContract, base *manifest.CompositeManifest) []string {
	if c == nil {
		return []string{"contract is missing"}
	}
	var problems []string
	if strings.TrimSpace(c.TargetPrimaryJobID) == "" {
		problems = append(problems, "target_primary_job_id is blank")
	}
	if len(c.RepairScope.BatchIndices) == 0 {
		problems = append(problems, "repair_scope.batch_indices is empty")
	}
	for _, idx := range c.RepairScope.BatchIndices {
		if idx < 0 {
			problems = append(problems, fmt.Sprintf("batch index %d is negative", idx))
		}
	}
	if base == nil {
		problems = append(problems, "base manifest is missing")
	} else if c.TargetPrimaryJobID != base.TruthAnchor.RootJobID {
		problems = append(problems, fmt.Sprintf("target %s does not match base root %s", c.TargetPrimaryJobID, base.TruthAnchor.RootJobID))
	}
	return problems
}

func block(code ReasonCode, details map[string]any) Evaluation {
	return Evaluation{Decision: DecisionBlock, ReasonCode: code, Details: details}
}
