package strategy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// Format is a serialization format for strategy documents.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Detect guesses the format from the first non-space byte.
func Detect(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// Document is the serialized form of a Strategy.
type Document struct {
	ID                     string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name                   string     `json:"name" yaml:"name" validate:"required"`
	Timeframe              string     `json:"timeframe" yaml:"timeframe" validate:"required,timeframe"`
	ConfirmationTimeframes []string   `json:"confirmation_timeframes,omitempty" yaml:"confirmation_timeframes,omitempty" validate:"dive,timeframe"`
	Entry                  NodeDoc    `json:"entry" yaml:"entry"`
	Exit                   NodeDoc    `json:"exit" yaml:"exit"`
	Confirmation           *NodeDoc   `json:"confirmation,omitempty" yaml:"confirmation,omitempty"`
	MinHold                string     `json:"min_hold,omitempty" yaml:"min_hold,omitempty"`
	MaxHold                string     `json:"max_hold,omitempty" yaml:"max_hold,omitempty"`
	Cooldown               string     `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	Sizing                 SizingDoc  `json:"sizing" yaml:"sizing"`
	CreatedAt              *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt              *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// SizingDoc is the serialized sizing policy.
type SizingDoc struct {
	Type  string  `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=fixed_quote fixed_base percent_balance"`
	Value float64 `json:"value,omitempty" yaml:"value,omitempty" validate:"gte=0"`
}

// NodeDoc is either a group (operator/conditions) or a condition.
type NodeDoc struct {
	Operator   string    `json:"operator,omitempty" yaml:"operator,omitempty" validate:"omitempty,oneof=AND OR and or"`
	Conditions []NodeDoc `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	Label      string    `json:"label,omitempty" yaml:"label,omitempty"`

	Indicator  string             `json:"indicator,omitempty" yaml:"indicator,omitempty"`
	Params     map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	Timeframe  string             `json:"timeframe,omitempty" yaml:"timeframe,omitempty" validate:"omitempty,timeframe"`
	Output     string             `json:"output,omitempty" yaml:"output,omitempty"`
	Offset     int                `json:"offset,omitempty" yaml:"offset,omitempty" validate:"gte=0"`
	Comparator string             `json:"comparator,omitempty" yaml:"comparator,omitempty"`
	Value      *float64           `json:"value,omitempty" yaml:"value,omitempty"`
	Compare    *OperandDoc        `json:"compare,omitempty" yaml:"compare,omitempty"`
	Bounds     []OperandDoc       `json:"bounds,omitempty" yaml:"bounds,omitempty" validate:"dive"`
	Weight     float64            `json:"weight,omitempty" yaml:"weight,omitempty" validate:"gte=0"`
}

// OperandDoc is a literal or an indicator on the right side of a condition.
type OperandDoc struct {
	Value     *float64           `json:"value,omitempty" yaml:"value,omitempty"`
	Indicator string             `json:"indicator,omitempty" yaml:"indicator,omitempty"`
	Params    map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	Timeframe string             `json:"timeframe,omitempty" yaml:"timeframe,omitempty" validate:"omitempty,timeframe"`
	Output    string             `json:"output,omitempty" yaml:"output,omitempty"`
	Offset    int                `json:"offset,omitempty" yaml:"offset,omitempty" validate:"gte=0"`
}

func (n NodeDoc) isGroup() bool {
	return n.Operator != "" || len(n.Conditions) > 0 || (n.Indicator == "" && n.Comparator == "")
}

// Parse decodes and validates a strategy document.
func Parse(data []byte, format Format) (domain.Strategy, error) {
	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return domain.Strategy{}, &domain.ConfigError{Reason: fmt.Sprintf("decode json: %v", err)}
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return domain.Strategy{}, &domain.ConfigError{Reason: fmt.Sprintf("decode yaml: %v", err)}
		}
	default:
		return domain.Strategy{}, &domain.ConfigError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	return FromDocument(doc)
}

// Marshal serializes a strategy.
func Marshal(s domain.Strategy, format Format) ([]byte, error) {
	doc := ToDocument(s)
	switch format {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		return yaml.Marshal(doc)
	}
	return nil, fmt.Errorf("strategy: unsupported format %q", format)
}

// FromDocument validates doc and builds the immutable Strategy. All problems
// are reported as *domain.ConfigError before any I/O happens.
func FromDocument(doc Document) (domain.Strategy, error) {
	if err := domain.ValidateStruct(doc); err != nil {
		return domain.Strategy{}, &domain.ConfigError{Reason: err.Error()}
	}
	b := builder{timeframe: doc.Timeframe}

	s := domain.Strategy{
		ID:                     doc.ID,
		Name:                   doc.Name,
		Timeframe:              doc.Timeframe,
		ConfirmationTimeframes: append([]string(nil), doc.ConfirmationTimeframes...),
		Sizing:                 domain.SizingPolicy{Type: domain.SizingType(doc.Sizing.Type), Value: doc.Sizing.Value},
	}
	if s.Sizing.Type == "" {
		s.Sizing.Type = domain.SizingFixedQuote
	}
	var err error
	if s.Entry, err = b.group("entry", doc.Entry, domain.OpAnd); err != nil {
		return domain.Strategy{}, err
	}
	if s.Exit, err = b.group("exit", doc.Exit, domain.OpOr); err != nil {
		return domain.Strategy{}, err
	}
	if doc.Confirmation != nil {
		g, err := b.group("confirmation", *doc.Confirmation, domain.OpAnd)
		if err != nil {
			return domain.Strategy{}, err
		}
		s.Confirmation = &g
	}
	for _, d := range []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"min_hold", doc.MinHold, &s.MinHold},
		{"max_hold", doc.MaxHold, &s.MaxHold},
		{"cooldown", doc.Cooldown, &s.Cooldown},
	} {
		if d.raw == "" {
			continue
		}
		v, perr := time.ParseDuration(d.raw)
		if perr != nil || v < 0 {
			return domain.Strategy{}, &domain.ConfigError{Field: d.field, Reason: fmt.Sprintf("invalid duration %q", d.raw)}
		}
		*d.dst = v
	}
	if s.MaxHold > 0 && s.MinHold > s.MaxHold {
		return domain.Strategy{}, &domain.ConfigError{Field: "min_hold", Reason: "exceeds max_hold"}
	}
	if doc.CreatedAt != nil {
		s.CreatedAt = *doc.CreatedAt
	}
	if doc.UpdatedAt != nil {
		s.UpdatedAt = *doc.UpdatedAt
	}
	return s, nil
}

type builder struct {
	timeframe string
}

func (b builder) group(path string, n NodeDoc, defOp domain.GroupOperator) (domain.ConditionGroup, error) {
	if !n.isGroup() {
		return domain.ConditionGroup{}, &domain.ConfigError{Field: path, Reason: "expected a condition group"}
	}
	op := domain.GroupOperator(strings.ToUpper(n.Operator))
	if op == "" {
		op = defOp
	}
	g := domain.ConditionGroup{Operator: op, Label: n.Label, Children: make([]domain.Node, 0, len(n.Conditions))}
	for i, child := range n.Conditions {
		childPath := fmt.Sprintf("%s.conditions[%d]", path, i)
		if child.isGroup() {
			sub, err := b.group(childPath, child, domain.OpAnd)
			if err != nil {
				return domain.ConditionGroup{}, err
			}
			g.Children = append(g.Children, sub)
			continue
		}
		c, err := b.condition(childPath, child)
		if err != nil {
			return domain.ConditionGroup{}, err
		}
		g.Children = append(g.Children, c)
	}
	return g, nil
}

func (b builder) condition(path string, n NodeDoc) (domain.Condition, error) {
	left, err := b.ref(path, n.Indicator, n.Params, n.Timeframe, n.Output, n.Offset)
	if err != nil {
		return domain.Condition{}, err
	}
	cmp := domain.Comparator(strings.ToLower(n.Comparator))
	if !cmp.Valid() {
		return domain.Condition{}, &domain.ConfigError{Field: path + ".comparator", Reason: fmt.Sprintf("unknown comparator %q", n.Comparator)}
	}
	c := domain.Condition{Left: left, Comparator: cmp, Label: n.Label, Weight: n.Weight}
	if c.Weight == 0 {
		c.Weight = 1.0
	}

	switch {
	case cmp.NeedsBounds():
		if len(n.Bounds) != 2 {
			return domain.Condition{}, &domain.ConfigError{Field: path + ".bounds", Reason: fmt.Sprintf("%s needs exactly two bounds", cmp)}
		}
		lo, err := b.operand(path+".bounds[0]", n.Bounds[0])
		if err != nil {
			return domain.Condition{}, err
		}
		hi, err := b.operand(path+".bounds[1]", n.Bounds[1])
		if err != nil {
			return domain.Condition{}, err
		}
		c.Right = domain.Range(lo, hi)
	case !cmp.NeedsRight():
		// rising/falling ignore the right side
	case n.Value != nil:
		c.Right = domain.Literal(*n.Value)
	case n.Compare != nil:
		op, err := b.operand(path+".compare", *n.Compare)
		if err != nil {
			return domain.Condition{}, err
		}
		c.Right = op
	default:
		return domain.Condition{}, &domain.ConfigError{Field: path, Reason: fmt.Sprintf("%s needs a value or compare operand", cmp)}
	}
	return c, nil
}

func (b builder) operand(path string, o OperandDoc) (domain.Operand, error) {
	if o.Value != nil {
		return domain.Literal(*o.Value), nil
	}
	ref, err := b.ref(path, o.Indicator, o.Params, o.Timeframe, o.Output, o.Offset)
	if err != nil {
		return domain.Operand{}, err
	}
	return domain.Ref(ref), nil
}

func (b builder) ref(path, kind string, params map[string]float64, tf, output string, offset int) (domain.IndicatorReference, error) {
	k := domain.IndicatorKind(strings.ToLower(kind))
	if !k.Valid() {
		return domain.IndicatorReference{}, &domain.ConfigError{Field: path + ".indicator", Reason: fmt.Sprintf("unknown indicator %q", kind)}
	}
	if tf == "" {
		tf = b.timeframe
	}
	return domain.NewIndicatorReference(k, params, tf, output, offset), nil
}

// ToDocument converts a Strategy back into its serialized form. Every default
// is written out explicitly so FromDocument(ToDocument(s)) equals s.
func ToDocument(s domain.Strategy) Document {
	doc := Document{
		ID:                     s.ID,
		Name:                   s.Name,
		Timeframe:              s.Timeframe,
		ConfirmationTimeframes: append([]string(nil), s.ConfirmationTimeframes...),
		Entry:                  groupDoc(s.Entry),
		Exit:                   groupDoc(s.Exit),
		MinHold:                durationDoc(s.MinHold),
		MaxHold:                durationDoc(s.MaxHold),
		Cooldown:               durationDoc(s.Cooldown),
		Sizing:                 SizingDoc{Type: string(s.Sizing.Type), Value: s.Sizing.Value},
	}
	if s.Confirmation != nil {
		c := groupDoc(*s.Confirmation)
		doc.Confirmation = &c
	}
	if !s.CreatedAt.IsZero() {
		t := s.CreatedAt
		doc.CreatedAt = &t
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		doc.UpdatedAt = &t
	}
	return doc
}

func durationDoc(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func groupDoc(g domain.ConditionGroup) NodeDoc {
	n := NodeDoc{Operator: string(g.Operator), Label: g.Label}
	for _, child := range g.Children {
		switch c := child.(type) {
		case domain.ConditionGroup:
			n.Conditions = append(n.Conditions, groupDoc(c))
		case *domain.ConditionGroup:
			n.Conditions = append(n.Conditions, groupDoc(*c))
		case domain.Condition:
			n.Conditions = append(n.Conditions, conditionDoc(c))
		case *domain.Condition:
			n.Conditions = append(n.Conditions, conditionDoc(*c))
		}
	}
	return n
}

func conditionDoc(c domain.Condition) NodeDoc {
	n := NodeDoc{
		Indicator:  string(c.Left.Kind),
		Params:     copyParams(c.Left.Params),
		Timeframe:  c.Left.Timeframe,
		Output:     c.Left.Output,
		Offset:     c.Left.Offset,
		Comparator: string(c.Comparator),
		Label:      c.Label,
		Weight:     c.Weight,
	}
	switch {
	case len(c.Right.Bounds) > 0:
		for _, b := range c.Right.Bounds {
			n.Bounds = append(n.Bounds, operandDoc(b))
		}
	case c.Right.Value != nil:
		v := *c.Right.Value
		n.Value = &v
	case c.Right.Indicator != nil:
		o := operandDoc(c.Right)
		n.Compare = &o
	}
	return n
}

func operandDoc(o domain.Operand) OperandDoc {
	if o.Value != nil {
		v := *o.Value
		return OperandDoc{Value: &v}
	}
	if o.Indicator == nil {
		return OperandDoc{}
	}
	r := *o.Indicator
	return OperandDoc{Indicator: string(r.Kind), Params: copyParams(r.Params), Timeframe: r.Timeframe, Output: r.Output, Offset: r.Offset}
}

func copyParams(p map[string]float64) map[string]float64 {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]float64, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CanonicalJSON serializes the strategy deterministically with timestamps
// removed. It is the form stored alongside a session.
func CanonicalJSON(s domain.Strategy) ([]byte, error) {
	doc := ToDocument(s)
	doc.CreatedAt, doc.UpdatedAt = nil, nil
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("strategy: canonical json: %w", err)
	}
	return data, nil
}

// ConfigHash is the hex SHA-256 of CanonicalJSON. Equal configurations always
// hash identically.
func ConfigHash(s domain.Strategy) (string, error) {
	data, err := CanonicalJSON(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
