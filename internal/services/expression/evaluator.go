package expression

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Evaluator compiles detection predicates with expr and renders alert
// messages with text/template. Compiled programs and parsed templates are
// cached by source text; an Evaluator is safe for concurrent use.
type Evaluator struct {
	mu        sync.RWMutex
	programs  map[string]*vm.Program
	templates map[string]*template.Template
	funcs     template.FuncMap
}

func NewEvaluator() *Evaluator {
	funcs := sprig.TxtFuncMap()
	funcs["notNil"] = NotNil
	funcs["autoUnit"] = AutoUnit
	return &Evaluator{
		programs:  make(map[string]*vm.Program),
		templates: make(map[string]*template.Template),
		funcs:     funcs,
	}
}

// Evaluate runs a boolean expression against env.
func (e *Evaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run expression: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, out)
	}
	return b, nil
}

// Render executes a text/template with the sprig functions plus notNil and
// autoUnit.
func (e *Evaluator) Render(tmpl string, env map[string]interface{}) (string, error) {
	t, err := e.template(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, env); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	e.mu.Lock()
	e.programs[expression] = p
	e.mu.Unlock()
	return p, nil
}

func (e *Evaluator) template(text string) (*template.Template, error) {
	e.mu.RLock()
	t, ok := e.templates[text]
	e.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := template.New("message").Funcs(e.funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	e.mu.Lock()
	e.templates[text] = t
	e.mu.Unlock()
	return t, nil
}

// NotNil reports whether v is neither nil nor a nil pointer, map or slice.
func NotNil(v interface{}) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return !rv.IsNil()
	}
	return true
}

// unitFamilies lists units that scale into each other, smallest first.
var unitFamilies = []struct {
	step  float64
	units []string
}{
	{1024, []string{"bytes", "KB", "MB", "GB", "TB", "PB"}},
	{1024, []string{"Bps", "KBps", "MBps", "GBps", "TBps"}},
	{1000, []string{"bps", "Kbps", "Mbps", "Gbps", "Tbps"}},
	{1000, []string{"ns", "µs", "ms", "s"}},
}

// AutoUnit converts a numeric value into the most readable unit of its
// family (2048 bytes → 2KB) and formats it with two decimals at most.
// Unknown units are only appended.
func AutoUnit(v interface{}, unit string) string {
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(v) + unit
	}
	f, unit = scaleUnit(f, unit)
	return decimal.NewFromFloat(f).Round(2).String() + unit
}

func scaleUnit(f float64, unit string) (float64, string) {
	for _, fam := range unitFamilies {
		i := slices.Index(fam.units, unit)
		if i < 0 {
			continue
		}
		for math.Abs(f) >= fam.step && i < len(fam.units)-1 {
			f /= fam.step
			i++
		}
		for f != 0 && math.Abs(f) < 1 && i > 0 {
			f *= fam.step
			i--
		}
		return f, fam.units[i]
	}
	return f, unit
}
