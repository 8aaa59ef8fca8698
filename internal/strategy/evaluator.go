package strategy

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// DefaultEqualityTolerance is the absolute tolerance used by == and !=.
const DefaultEqualityTolerance = 1e-4

// Evaluator decides whether conditions hold against indicator values. It is
// stateless and safe for concurrent use.
type Evaluator struct {
	Tolerance float64
}

// NewEvaluator returns an Evaluator with the default equality tolerance.
func NewEvaluator() Evaluator {
	return Evaluator{Tolerance: DefaultEqualityTolerance}
}

// GroupResult is the outcome of evaluating a ConditionGroup.
type GroupResult struct {
	Satisfied  bool
	Confidence float64
	Trace      domain.NodeResult
}

// sample is the current and previous value of one operand.
type sample struct {
	cur, prev       float64
	hasCur, hasPrev bool
}

func lookup(values domain.IndicatorValues, ref domain.IndicatorReference) sample {
	var s sample
	s.cur, s.hasCur = values.Current(ref)
	s.prev, s.hasPrev = values.Previous(ref)
	return s
}

func resolve(values domain.IndicatorValues, op domain.Operand) (sample, bool) {
	switch {
	case op.Value != nil:
		v := *op.Value
		return sample{cur: v, prev: v, hasCur: true, hasPrev: true}, true
	case op.Indicator != nil:
		return lookup(values, *op.Indicator), true
	}
	return sample{}, false
}

// Evaluate decides a single condition. Missing data yields false with a
// detail explaining what was absent; it never panics or errors.
func (e Evaluator) Evaluate(cond domain.Condition, values domain.IndicatorValues) (bool, string) {
	tol := e.Tolerance
	if tol <= 0 {
		tol = DefaultEqualityTolerance
	}
	if !cond.Comparator.Valid() {
		return false, fmt.Sprintf("unknown comparator %q", cond.Comparator)
	}

	left := lookup(values, cond.Left)
	if !left.hasCur {
		return false, fmt.Sprintf("missing value for %s", cond.Left.Key())
	}

	switch cond.Comparator {
	case domain.CompRising, domain.CompFalling:
		if !left.hasPrev {
			return false, fmt.Sprintf("missing previous value for %s", cond.Left.Key())
		}
		ok := left.cur > left.prev
		if cond.Comparator == domain.CompFalling {
			ok = left.cur < left.prev
		}
		return ok, fmt.Sprintf("%s %s: %g -> %g", cond.Left.Key(), cond.Comparator, left.prev, left.cur)

	case domain.CompBetween, domain.CompOutside:
		if len(cond.Right.Bounds) != 2 {
			return false, fmt.Sprintf("%s requires two bounds, got %d", cond.Comparator, len(cond.Right.Bounds))
		}
		lo, okLo := resolve(values, cond.Right.Bounds[0])
		hi, okHi := resolve(values, cond.Right.Bounds[1])
		if !okLo || !okHi || !lo.hasCur || !hi.hasCur {
			return false, fmt.Sprintf("missing bound value for %s", cond.Comparator)
		}
		low, high := math.Min(lo.cur, hi.cur), math.Max(lo.cur, hi.cur)
		ok := left.cur >= low && left.cur <= high
		if cond.Comparator == domain.CompOutside {
			ok = left.cur < low || left.cur > high
		}
		return ok, fmt.Sprintf("%s=%g %s [%g, %g]", cond.Left.Key(), left.cur, cond.Comparator, low, high)
	}

	right, ok := resolve(values, cond.Right)
	if !ok {
		return false, "missing right operand"
	}
	if !right.hasCur {
		return false, fmt.Sprintf("missing value for %s", cond.Right.Indicator.Key())
	}

	l, r := left.cur, right.cur
	var res bool
	switch cond.Comparator {
	case domain.CompGreater:
		res = l > r
	case domain.CompLess:
		res = l < r
	case domain.CompGreaterEqual:
		res = l >= r
	case domain.CompLessEqual:
		res = l <= r
	case domain.CompEqual:
		res = math.Abs(l-r) <= tol
	case domain.CompNotEqual:
		res = math.Abs(l-r) > tol
	case domain.CompCrossesAbove, domain.CompCrossesBelow:
		if !left.hasPrev || !right.hasPrev {
			return false, fmt.Sprintf("%s needs previous values on both sides", cond.Comparator)
		}
		if cond.Comparator == domain.CompCrossesAbove {
			res = left.prev <= right.prev && l > r
		} else {
			res = left.prev >= right.prev && l < r
		}
		return res, fmt.Sprintf("%s %s: (%g,%g) -> (%g,%g)", cond.Left.Key(), cond.Comparator, left.prev, right.prev, l, r)
	}
	return res, fmt.Sprintf("%s=%g %s %g", cond.Left.Key(), l, cond.Comparator, r)
}

// EvaluateGroup evaluates every child of g. Confidence is the weight of the
// satisfied children over the total weight, where a nested group counts as a
// single child of weight 1.0. An empty group is false with zero confidence.
func (e Evaluator) EvaluateGroup(g domain.ConditionGroup, values domain.IndicatorValues) GroupResult {
	trace := domain.NodeResult{Label: g.Label}
	if len(g.Children) == 0 {
		trace.Detail = "empty group"
		return GroupResult{Trace: trace}
	}

	var total, satisfied float64
	var hits int
	for _, child := range g.Children {
		var ok bool
		var weight float64
		var nr domain.NodeResult
		switch c := child.(type) {
		case domain.Condition:
			ok, nr = e.leaf(c, values)
			weight = c.EffectiveWeight()
		case *domain.Condition:
			ok, nr = e.leaf(*c, values)
			weight = c.EffectiveWeight()
		case domain.ConditionGroup:
			sub := e.EvaluateGroup(c, values)
			ok, nr, weight = sub.Satisfied, sub.Trace, 1.0
		case *domain.ConditionGroup:
			sub := e.EvaluateGroup(*c, values)
			ok, nr, weight = sub.Satisfied, sub.Trace, 1.0
		default:
			nr = domain.NodeResult{Detail: fmt.Sprintf("unsupported node %T", child)}
			weight = 1.0
		}
		total += weight
		if ok {
			satisfied += weight
			hits++
		}
		trace.Children = append(trace.Children, nr)
	}

	var result bool
	switch g.Operator {
	case domain.OpOr:
		result = hits > 0
	default:
		result = hits == len(g.Children)
	}
	conf := 0.0
	if total > 0 {
		conf = satisfied / total
	}
	trace.Satisfied = result
	trace.Confidence = conf
	trace.Detail = fmt.Sprintf("%s %d/%d", operatorOrAnd(g.Operator), hits, len(g.Children))
	return GroupResult{Satisfied: result, Confidence: conf, Trace: trace}
}

func (e Evaluator) leaf(c domain.Condition, values domain.IndicatorValues) (bool, domain.NodeResult) {
	ok, detail := e.Evaluate(c, values)
	label := c.Label
	if label == "" {
		label = fmt.Sprintf("%s %s", c.Left.Key(), c.Comparator)
	}
	conf := 0.0
	if ok {
		conf = 1.0
	}
	return ok, domain.NodeResult{Label: label, Satisfied: ok, Confidence: conf, Detail: detail}
}

func operatorOrAnd(op domain.GroupOperator) domain.GroupOperator {
	if op == domain.OpOr {
		return op
	}
	return domain.OpAnd
}
