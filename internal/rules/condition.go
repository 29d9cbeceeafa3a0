package rules

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"mevwatch/internal/errors"
	"mevwatch/pkg/models"
)

// Operator 比较操作符
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
)

// 操作符别名，便于手写规则
var operatorAliases = map[string]Operator{
	"==": OpEq, "=": OpEq, "!=": OpNeq,
	">=": OpGte, "<=": OpLte, ">": OpGt, "<": OpLt,
}

var numericOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGte: true, OpLte: true, OpGt: true, OpLt: true, OpIn: true,
}

var stringOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpIn: true, OpContains: true, OpRegex: true,
}

// maxDepth 条件树最大深度
const maxDepth = 32

func parseOperator(s string) (Operator, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if op, ok := operatorAliases[s]; ok {
		return op, true
	}
	op := Operator(s)
	return op, numericOperators[op] || stringOperators[op]
}

// node 编译后的条件节点
type node interface {
	eval(tx *models.Transaction) bool
}

type andNode struct {
	children []node
}

// eval 从左到右求值，遇到false立即停止
func (n *andNode) eval(tx *models.Transaction) bool {
	for _, child := range n.children {
		if !child.eval(tx) {
			return false
		}
	}
	return true
}

type orNode struct {
	children []node
}

// eval 从左到右求值，遇到true立即停止
func (n *orNode) eval(tx *models.Transaction) bool {
	for _, child := range n.children {
		if child.eval(tx) {
			return true
		}
	}
	return false
}

type notNode struct {
	child node
}

func (n *notNode) eval(tx *models.Transaction) bool {
	return !n.child.eval(tx)
}

// numericCompare 数值比较。字段缺失时只有neq为true，其余操作符为false
type numericCompare struct {
	field *field
	op    Operator
	value *big.Int
	set   []*big.Int
}

func (n *numericCompare) eval(tx *models.Transaction) bool {
	v, ok := n.field.numeric(tx)
	if !ok || v == nil {
		return n.op == OpNeq
	}

	switch n.op {
	case OpEq:
		return v.Cmp(n.value) == 0
	case OpNeq:
		return v.Cmp(n.value) != 0
	case OpGte:
		return v.Cmp(n.value) >= 0
	case OpLte:
		return v.Cmp(n.value) <= 0
	case OpGt:
		return v.Cmp(n.value) > 0
	case OpLt:
		return v.Cmp(n.value) < 0
	case OpIn:
		for _, candidate := range n.set {
			if v.Cmp(candidate) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// stringCompare 字符串比较。字段缺失时只有neq为true，例如合约部署的to不等于任何地址
type stringCompare struct {
	field *field
	op    Operator
	value string
	set   map[string]struct{}
	re    *regexp.Regexp
}

func (n *stringCompare) eval(tx *models.Transaction) bool {
	v, ok := n.field.str(tx)
	if !ok {
		return n.op == OpNeq
	}

	switch n.op {
	case OpEq:
		return v == n.value
	case OpNeq:
		return v != n.value
	case OpIn:
		_, hit := n.set[v]
		return hit
	case OpContains:
		return strings.Contains(v, n.value)
	case OpRegex:
		return n.re.MatchString(v)
	default:
		return false
	}
}

// compile 把条件树编译为闭合节点集合，字段、操作符和字面量都在这里校验
func compile(c *models.ConditionNode, depth int) (node, error) {
	if c == nil {
		return nil, errors.ErrInvalidRule.New().WithContext("reason", "条件为空")
	}
	if depth > maxDepth {
		return nil, errors.ErrInvalidRule.New().WithContext("reason", fmt.Sprintf("条件树深度超过%d", maxDepth))
	}

	op := models.NodeOp(strings.ToLower(string(c.Op)))
	if op == "" && c.Field != "" {
		op = models.NodeCompare
	}

	switch op {
	case models.NodeAnd, models.NodeOr:
		if len(c.Children) == 0 {
			return nil, errors.ErrInvalidRule.New().WithContext("reason", fmt.Sprintf("%s节点没有子条件", op))
		}
		children := make([]node, 0, len(c.Children))
		for _, child := range c.Children {
			compiled, err := compile(child, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, compiled)
		}
		if op == models.NodeAnd {
			return &andNode{children: children}, nil
		}
		return &orNode{children: children}, nil

	case models.NodeNot:
		if len(c.Children) != 1 {
			return nil, errors.ErrInvalidRule.New().WithContext("reason", "not节点必须且只能有一个子条件")
		}
		child, err := compile(c.Children[0], depth+1)
		if err != nil {
			return nil, err
		}
		return &notNode{child: child}, nil

	case models.NodeCompare:
		return compileComparison(c)

	default:
		return nil, errors.ErrInvalidRule.New().WithContext("reason", fmt.Sprintf("未知节点类型: %q", c.Op))
	}
}

func compileComparison(c *models.ConditionNode) (node, error) {
	f, ok := lookupField(c.Field)
	if !ok {
		return nil, errors.ErrUnknownField.New().WithContext("field", c.Field)
	}

	op, ok := parseOperator(c.Operator)
	if !ok {
		return nil, errors.ErrInvalidOperator.New().WithContext("operator", c.Operator)
	}

	if f.typ == FieldNumeric {
		if !numericOperators[op] {
			return nil, errors.ErrInvalidOperator.New().
				WithContext("operator", string(op)).WithContext("field", f.name)
		}
		return compileNumeric(f, op, c.Value)
	}

	if !stringOperators[op] {
		return nil, errors.ErrInvalidOperator.New().
			WithContext("operator", string(op)).WithContext("field", f.name)
	}
	return compileString(f, op, c.Value)
}

func compileNumeric(f *field, op Operator, raw interface{}) (node, error) {
	n := &numericCompare{field: f, op: op}

	if op == OpIn {
		items, err := literalList(raw)
		if err != nil {
			return nil, errors.ErrInvalidLiteral.Wrap(err).WithContext("field", f.name)
		}
		for _, item := range items {
			v, err := ParseAmount(item)
			if err != nil {
				return nil, errors.ErrInvalidLiteral.Wrap(err).WithContext("field", f.name)
			}
			n.set = append(n.set, v)
		}
		return n, nil
	}

	v, err := ParseAmount(raw)
	if err != nil {
		return nil, errors.ErrInvalidLiteral.Wrap(err).WithContext("field", f.name)
	}
	n.value = v
	return n, nil
}

func compileString(f *field, op Operator, raw interface{}) (node, error) {
	n := &stringCompare{field: f, op: op}

	switch op {
	case OpIn:
		items, err := literalList(raw)
		if err != nil {
			return nil, errors.ErrInvalidLiteral.Wrap(err).WithContext("field", f.name)
		}
		n.set = make(map[string]struct{}, len(items))
		for _, item := range items {
			s, err := parseStringLiteral(f, item)
			if err != nil {
				return nil, errors.ErrInvalidLiteral.Wrap(err).WithContext("field", f.name)
			}
			n.set[s] = struct{}{}
		}

	case OpRegex:
		pattern, ok := raw.(string)
		if !ok {
			return nil, errors.ErrInvalidLiteral.New().WithContext("field", f.name)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.ErrInvalidRegex.Wrap(err).WithContext("pattern", pattern)
		}
		n.re = re

	case OpContains:
		s, ok := raw.(string)
		if !ok || s == "" {
			return nil, errors.ErrInvalidLiteral.New().WithContext("field", f.name)
		}
		// 地址和十六进制字段统一按小写存储
		if f.strKind != plainString && f.strKind != kindString {
			s = strings.ToLower(s)
		}
		n.value = s

	default:
		s, err := parseStringLiteral(f, raw)
		if err != nil {
			return nil, errors.ErrInvalidLiteral.Wrap(err).WithContext("field", f.name)
		}
		n.value = s
	}

	return n, nil
}
