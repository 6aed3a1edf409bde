// Package matcher compiles search restrictions into CEL programs and
// decides search-folder membership for property rows.
//
// A restriction is a CEL expression over two variables:
//
//	obj  map(string, dyn)   the object's properties
//	sub  map(string, bool)  results of the definition's sub-restrictions
//
// Sub-restrictions are CEL expressions over obj, evaluated against the
// rows of a related table (recipients, attachments, ...). A
// sub-restriction holds for an object when any related row matches.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"

	"github.com/syntrixbase/searchfolder/internal/search/types"
)

const (
	varObj = "obj"
	varSub = "sub"
)

// Compiler compiles restrictions. It is safe for concurrent use.
type Compiler struct {
	env    *cel.Env
	subEnv *cel.Env

	mu       sync.RWMutex
	prgCache map[string]*program
}

type program struct {
	prg cel.Program

	// props lists the properties the program reads; nil means all of them.
	props []string
}

// NewCompiler creates a compiler with the restriction environment.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable(varObj, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(varSub, cel.MapType(cel.StringType, cel.BoolType)),
	)
	if err != nil {
		return nil, err
	}
	subEnv, err := cel.NewEnv(
		cel.Variable(varObj, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		env:      env,
		subEnv:   subEnv,
		prgCache: make(map[string]*program),
	}, nil
}

// Compiled is a restriction ready for evaluation.
type Compiled struct {
	main *program
	subs []compiledSub
}

type compiledSub struct {
	name     string
	relation string
	prog     *program
}

// Compile compiles a restriction and its sub-restrictions. Errors wrap
// types.ErrInvalidRestriction.
func (c *Compiler) Compile(r types.Restriction) (*Compiled, error) {
	if strings.TrimSpace(r.Expression) == "" {
		return nil, fmt.Errorf("%w: empty expression", types.ErrInvalidRestriction)
	}

	main, err := c.program(c.env, "main", r.Expression)
	if err != nil {
		return nil, err
	}

	compiled := &Compiled{main: main}
	seen := make(map[string]bool, len(r.Subs))
	for _, s := range r.Subs {
		if s.Name == "" || s.Relation == "" {
			return nil, fmt.Errorf("%w: sub-restriction needs a name and a relation", types.ErrInvalidRestriction)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate sub-restriction %q", types.ErrInvalidRestriction, s.Name)
		}
		seen[s.Name] = true

		prog, err := c.program(c.subEnv, "sub", s.Expression)
		if err != nil {
			return nil, fmt.Errorf("sub-restriction %q: %w", s.Name, err)
		}
		compiled.subs = append(compiled.subs, compiledSub{name: s.Name, relation: s.Relation, prog: prog})
	}
	return compiled, nil
}

func (c *Compiler) program(env *cel.Env, kind, expr string) (*program, error) {
	key := kind + "\x00" + expr

	c.mu.RLock()
	p, ok := c.prgCache[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: CEL compile error: %v", types.ErrInvalidRestriction, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", types.ErrInvalidRestriction, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: CEL program creation error: %v", types.ErrInvalidRestriction, err)
	}

	p = &program{prg: prg, props: referencedFields(ast, varObj)}

	c.mu.Lock()
	c.prgCache[key] = p
	c.mu.Unlock()
	return p, nil
}

// RequiredProperties returns the object properties the restriction reads,
// always including the read flag. It returns nil when the restriction uses
// obj as a whole (e.g. `'subject' in obj` or `obj[key]`), meaning every
// property must be fetched.
func (m *Compiled) RequiredProperties() []string {
	return MergeProperties(m.main.props, []string{types.PropRead})
}

// SubResults holds the precomputed sub-restriction outcome per object.
type SubResults struct {
	values map[int64]map[string]bool
	errs   map[int64]error
}

// EvaluateSubs evaluates every sub-restriction once for a whole batch of
// objects, fetching the related rows in one call per relation.
func (m *Compiled) EvaluateSubs(ctx context.Context, objects types.ObjectService, storeID int64, ids []int64) (*SubResults, error) {
	res := &SubResults{
		values: make(map[int64]map[string]bool, len(ids)),
		errs:   make(map[int64]error),
	}
	if len(m.subs) == 0 || len(ids) == 0 {
		return res, nil
	}

	for _, id := range ids {
		res.values[id] = make(map[string]bool, len(m.subs))
	}

	for _, s := range m.subs {
		related, err := objects.GetRelated(ctx, storeID, ids, s.relation, s.prog.props)
		if err != nil {
			return nil, fmt.Errorf("fetch %s rows: %w", s.relation, err)
		}
		for _, id := range ids {
			matched := false
			for _, props := range related[id] {
				ok, err := eval(s.prog.prg, map[string]any{varObj: map[string]any(props)})
				if err != nil {
					res.errs[id] = errors.Join(res.errs[id], fmt.Errorf("sub-restriction %q: %w", s.name, err))
					break
				}
				if ok {
					matched = true
					break
				}
			}
			res.values[id][s.name] = matched
		}
	}
	return res, nil
}

// Match reports whether a row satisfies the restriction. Soft-deleted and
// associated objects never match. An evaluation error, or a row whose
// properties could not be read, concerns only this object and is returned
// for logging.
func (m *Compiled) Match(row *types.Row, subs *SubResults) (bool, error) {
	if row.Flags.Excluded() {
		return false, nil
	}
	if row.Err != nil {
		return false, row.Err
	}

	subValues := map[string]bool{}
	if subs != nil {
		if err := subs.errs[row.ObjectID]; err != nil {
			return false, err
		}
		if v, ok := subs.values[row.ObjectID]; ok {
			subValues = v
		}
	}
	for _, s := range m.subs {
		if _, ok := subValues[s.name]; !ok {
			subValues[s.name] = false
		}
	}

	props := map[string]any(row.Props)
	if props == nil {
		props = map[string]any{}
	}
	return eval(m.main.prg, map[string]any{varObj: props, varSub: subValues})
}

func eval(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result is not boolean: %T", out.Value())
	}
	return result, nil
}

// referencedFields collects the keys selected on variable, either as
// variable.key or variable['key']. It returns nil if variable is used in
// any other way, since the keys read can then only be known at run time.
func referencedFields(ast *cel.Ast, variable string) []string {
	seen := make(map[string]struct{})
	uses, selections := 0, 0
	celast.PostOrderVisit(ast.NativeRep().Expr(), celast.NewExprVisitor(func(e celast.Expr) {
		switch e.Kind() {
		case celast.IdentKind:
			if e.AsIdent() == variable {
				uses++
			}
		case celast.SelectKind:
			sel := e.AsSelect()
			if isIdent(sel.Operand(), variable) {
				seen[sel.FieldName()] = struct{}{}
				selections++
			}
		case celast.CallKind:
			call := e.AsCall()
			args := call.Args()
			if call.FunctionName() != operators.Index || len(args) != 2 || !isIdent(args[0], variable) {
				return
			}
			if args[1].Kind() != celast.LiteralKind {
				return
			}
			if key, ok := args[1].AsLiteral().Value().(string); ok {
				seen[key] = struct{}{}
				selections++
			}
		}
	}))

	if uses > selections {
		return nil
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func isIdent(e celast.Expr, name string) bool {
	return e.Kind() == celast.IdentKind && e.AsIdent() == name
}

func mergeProps(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, p := range l {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// MergeProperties returns the sorted union of property lists. A nil list
// stands for every property and makes the union nil.
func MergeProperties(lists ...[]string) []string {
	for _, l := range lists {
		if l == nil {
			return nil
		}
	}
	return mergeProps(lists...)
}
