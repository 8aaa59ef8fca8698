package domain

// Comparator is the closed set of comparison operators a Condition may use.
type Comparator string

const (
	CompGreater      Comparator = ">"
	CompLess         Comparator = "<"
	CompGreaterEqual Comparator = ">="
	CompLessEqual    Comparator = "<="
	CompEqual        Comparator = "=="
	CompNotEqual     Comparator = "!="
	CompCrossesAbove Comparator = "crosses_above"
	CompCrossesBelow Comparator = "crosses_below"
	CompRising       Comparator = "rising"
	CompFalling      Comparator = "falling"
	CompBetween      Comparator = "between"
	CompOutside      Comparator = "outside"
)

var comparators = map[Comparator]bool{
	CompGreater: true, CompLess: true, CompGreaterEqual: true, CompLessEqual: true,
	CompEqual: true, CompNotEqual: true, CompCrossesAbove: true, CompCrossesBelow: true,
	CompRising: true, CompFalling: true, CompBetween: true, CompOutside: true,
}

// Valid reports whether c is one of the known comparators.
func (c Comparator) Valid() bool { return comparators[c] }

// NeedsRight reports whether the comparator consults the right operand.
func (c Comparator) NeedsRight() bool { return c != CompRising && c != CompFalling }

// NeedsBounds reports whether the right operand must be a two-element bound.
func (c Comparator) NeedsBounds() bool { return c == CompBetween || c == CompOutside }

// Operand is the right side of a condition: a literal, an indicator, or a
// bound pair for between/outside. Exactly one of the fields is set.
type Operand struct {
	Value     *float64
	Indicator *IndicatorReference
	Bounds    []Operand
}

// Literal returns an operand holding a fixed value.
func Literal(v float64) Operand { return Operand{Value: &v} }

// Ref returns an operand pointing at an indicator.
func Ref(r IndicatorReference) Operand { return Operand{Indicator: &r} }

// Range returns a bound pair operand.
func Range(lo, hi Operand) Operand { return Operand{Bounds: []Operand{lo, hi}} }

// IsZero reports whether no side was set.
func (o Operand) IsZero() bool {
	return o.Value == nil && o.Indicator == nil && len(o.Bounds) == 0
}

// GroupOperator joins the children of a ConditionGroup.
type GroupOperator string

const (
	OpAnd GroupOperator = "AND"
	OpOr  GroupOperator = "OR"
)

// Node is either a Condition or a ConditionGroup.
type Node interface {
	node()
	NodeLabel() string
}

// Condition compares an indicator to a literal, another indicator, or a bound.
type Condition struct {
	Left       IndicatorReference
	Comparator Comparator
	Right      Operand
	Label      string
	Weight     float64
}

func (Condition) node() {}

func (c Condition) NodeLabel() string { return c.Label }

// EffectiveWeight treats a non-positive weight as the default 1.0.
func (c Condition) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1.0
	}
	return c.Weight
}

// ConditionGroup combines child nodes with AND or OR.
type ConditionGroup struct {
	Operator GroupOperator
	Children []Node
	Label    string
}

func (ConditionGroup) node() {}

func (g ConditionGroup) NodeLabel() string { return g.Label }

// References returns every indicator reference reachable from n, including
// the right side and bound operands of each condition.
func References(n Node) []IndicatorReference {
	var out []IndicatorReference
	var walk func(Node)
	var operand func(Operand)
	operand = func(o Operand) {
		if o.Indicator != nil {
			out = append(out, *o.Indicator)
		}
		for _, b := range o.Bounds {
			operand(b)
		}
	}
	walk = func(n Node) {
		switch v := n.(type) {
		case Condition:
			out = append(out, v.Left)
			operand(v.Right)
		case *Condition:
			walk(*v)
		case ConditionGroup:
			for _, c := range v.Children {
				walk(c)
			}
		case *ConditionGroup:
			walk(*v)
		}
	}
	if n != nil {
		walk(n)
	}
	return out
}
