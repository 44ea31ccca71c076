package classifier

import (
	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"ordersync/internal/service/orderstatus/domain"
)

// RuleConfig 运维在配置文件中追加的分类规则，表达式可以引用 text 和 task_name。
//
//	rules:
//	  - name: presale-shipped
//	    expr: 'text.contains("预售") && text.contains("已发出")'
//	    status: shipped
type RuleConfig struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Status string `yaml:"status"`
}

type operatorRule struct {
	name   string
	status domain.Status
	prg    cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("task_name", cel.StringType),
	)
}

func compileRules(rules []RuleConfig) ([]*operatorRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := newRuleEnv()
	if err != nil {
		return nil, errors.Wrap(err, "create rule env")
	}

	out := make([]*operatorRule, 0, len(rules))
	for i, rc := range rules {
		name := rc.Name
		if name == "" {
			return nil, errors.Errorf("rule #%d: name is required", i)
		}
		status, ok := domain.ParseStatus(rc.Status)
		if !ok {
			return nil, errors.Wrapf(domain.ErrUnknownStatus, "rule %s: %q", name, rc.Status)
		}
		ast, iss := env.Compile(rc.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, errors.Wrapf(iss.Err(), "rule %s: compile", name)
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, errors.Errorf("rule %s: expression must return bool, got %s", name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s: program", name)
		}
		out = append(out, &operatorRule{name: name, status: status, prg: prg})
	}
	return out, nil
}

// eval 求值出错视为未命中
func (r *operatorRule) eval(text, taskName string) bool {
	val, _, err := r.prg.Eval(map[string]any{
		"text":      text,
		"task_name": taskName,
	})
	if err != nil {
		return false
	}
	matched, ok := val.Value().(bool)
	return ok && matched
}
