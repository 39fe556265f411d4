package merit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
)

// Variable is one named parameter of a candidate. Fit marks the variables an
// optimiser is allowed to change.
type Variable struct {
	Name  string
	Value float64
	Fit   bool
}

// Variables is an ordered set of candidate parameters.
type Variables []Variable

// Get returns the value of name.
func (v Variables) Get(name string) (float64, bool) {
	for _, x := range v {
		if x.Name == name {
			return x.Value, true
		}
	}
	return 0, false
}

// Map returns the variables keyed by name.
func (v Variables) Map() map[string]float64 {
	m := make(map[string]float64, len(v))
	for _, x := range v {
		m[x.Name] = x.Value
	}
	return m
}

func (v Variables) String() string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%s=%g", x.Name, x.Value)
	}
	return "Variables(" + strings.Join(parts, ", ") + ")"
}

// CalculatedVariables derives extra variables from a candidate. The derived
// variables are appended after the candidate's own, in declaration order, and
// each expression can refer to the ones declared before it.
type CalculatedVariables struct {
	names    []string
	programs []*vm.Program
}

// NewCalculatedVariables compiles name to expression pairs. pairs is applied
// in the order of names; a nil names applies them sorted by name.
func NewCalculatedVariables(pairs map[string]string, names []string) (*CalculatedVariables, error) {
	if names == nil {
		for name := range pairs {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	c := &CalculatedVariables{}
	for _, name := range names {
		source, ok := pairs[name]
		if !ok {
			return nil, perr.Config(perr.CodeMissingKey, "no expression for calculated variable %q", name)
		}
		program, err := expr.Compile(source)
		if err != nil {
			return nil, perr.Config(perr.CodeBadValue, "could not parse expression for calculated variable %q: %v", name, err)
		}
		c.names = append(c.names, name)
		c.programs = append(c.programs, program)
	}
	return c, nil
}

// Apply returns v with the calculated variables appended. A nil receiver
// returns v unchanged.
func (c *CalculatedVariables) Apply(v Variables) (Variables, error) {
	if c == nil || len(c.names) == 0 {
		return v, nil
	}
	env := make(map[string]any, len(v)+len(c.names))
	for _, x := range v {
		env[x.Name] = x.Value
	}

	out := append(Variables(nil), v...)
	for i, name := range c.names {
		result, err := expr.Run(c.programs[i], env)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate calculated variable %q: %w", name, err)
		}
		value, err := toFloat(result)
		if err != nil {
			return nil, fmt.Errorf("calculated variable %q: %w", name, err)
		}
		env[name] = value
		out = append(out, Variable{Name: name, Value: value})
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("expression returned %T, not a number", v)
}
