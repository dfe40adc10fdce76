package eventbus

import (
	"fmt"
	"strings"

	"partikv/lib/utils"
)

// 事件四元组上的结构化谓词：每个字段可以是字面量、通配符或模式变量，
// 变量绑定后交给有序的 guard 子句求值。谓词每次发布时现场解释，
// 不做跨节点可共享的预编译。

type FieldKind int

const (
	MatchLiteral FieldKind = iota
	MatchWildcard
	MatchVar
)

type Field struct {
	Kind FieldKind
	Lit  interface{}
	Var  string
}

func Lit(v interface{}) Field {
	return Field{Kind: MatchLiteral, Lit: v}
}

func Any() Field {
	return Field{Kind: MatchWildcard}
}

func Var(name string) Field {
	return Field{Kind: MatchVar, Var: name}
}

func (f Field) match(val interface{}, binds map[string]interface{}) bool {
	switch f.Kind {
	case MatchWildcard:
		return true
	case MatchVar:
		// 同名变量重复出现时必须绑定相同的值
		if bound, ok := binds[f.Var]; ok {
			return utils.Equals(bound, val)
		}
		binds[f.Var] = val
		return true
	default:
		return utils.Equals(f.Lit, val)
	}
}

func (f Field) repr() string {
	switch f.Kind {
	case MatchWildcard:
		return "_"
	case MatchVar:
		return "$" + f.Var
	default:
		return fmt.Sprintf("%v", f.Lit)
	}
}

type Pattern struct {
	Module  Field
	Name    Field
	Origin  Field
	Payload Field
}

// 匹配成功时返回变量绑定
func (p Pattern) Match(ev *Event) (map[string]interface{}, bool) {
	binds := make(map[string]interface{})
	if !p.Module.match(ev.Module, binds) {
		return nil, false
	}
	if !p.Name.match(ev.Name, binds) {
		return nil, false
	}
	if !p.Origin.match(ev.Origin, binds) {
		return nil, false
	}
	if !p.Payload.match(ev.Payload, binds) {
		return nil, false
	}
	return binds, true
}

func (p Pattern) repr() string {
	return "{" + strings.Join([]string{
		p.Module.repr(), p.Name.repr(), p.Origin.repr(), p.Payload.repr(),
	}, ",") + "}"
}

// ******************** guard clauses ********************
// 引用模式变量的布尔子句，列表整体按 AND 结合

type Guard interface {
	Eval(binds map[string]interface{}) bool
	repr() string
}

// 变量与给定值相等
type Eq struct {
	Var   string
	Value interface{}
}

func (g Eq) Eval(binds map[string]interface{}) bool {
	bound, ok := binds[g.Var]
	if !ok {
		return false
	}
	return utils.Equals(bound, g.Value)
}

func (g Eq) repr() string {
	return fmt.Sprintf("eq(%s,%v)", g.Var, g.Value)
}

type Not struct {
	Inner Guard
}

func (g Not) Eval(binds map[string]interface{}) bool {
	return !g.Inner.Eval(binds)
}

func (g Not) repr() string {
	return "not(" + g.Inner.repr() + ")"
}

type And struct {
	Clauses []Guard
}

func (g And) Eval(binds map[string]interface{}) bool {
	for _, c := range g.Clauses {
		if !c.Eval(binds) {
			return false
		}
	}
	return true
}

func (g And) repr() string {
	return "and(" + reprGuards(g.Clauses) + ")"
}

type Or struct {
	Clauses []Guard
}

func (g Or) Eval(binds map[string]interface{}) bool {
	for _, c := range g.Clauses {
		if c.Eval(binds) {
			return true
		}
	}
	return false
}

func (g Or) repr() string {
	return "or(" + reprGuards(g.Clauses) + ")"
}

func reprGuards(gs []Guard) string {
	parts := make([]string, 0, len(gs))
	for _, g := range gs {
		parts = append(parts, g.repr())
	}
	return strings.Join(parts, ",")
}

func evalGuards(gs []Guard, binds map[string]interface{}) bool {
	for _, g := range gs {
		if !g.Eval(binds) {
			return false
		}
	}
	return true
}
