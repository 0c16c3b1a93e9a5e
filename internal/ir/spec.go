package ir

import "github.com/shopspring/decimal"

// System columns maintained by the engine on dimension and blended tables.
const (
	ColValidFrom       = "valid_from"
	ColValidTo         = "valid_to"
	ColIsCurrent       = "is_current"
	ColRowHash         = "row_hash"
	ColIsForecast      = "is_forecast"
	ColForecastHorizon = "forecast_horizon"
	ColForecastVintage = "forecast_vintage"
)

// DefaultScale is the rounding precision for decimal outputs that do not
// declare one (monetary and percentage fields).
const DefaultScale int32 = 2

// Column is a named, typed column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// SourceSpec declares a raw fact or reference table produced upstream.
// Sources are read-only to the engine.
type SourceSpec struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// DimensionSpec declares an SCD-tracked dimension built from a source.
type DimensionSpec struct {
	Name                  string   `json:"name"`
	From                  string   `json:"from"`
	Key                   []string `json:"key"`
	Columns               []Column `json:"columns"` // attributes carried, key columns included
	Tracked               []string `json:"tracked"`
	InvalidateHardDeletes bool     `json:"invalidate_hard_deletes"`
}

// Strategy selects how a table's computed rows are applied.
type Strategy string

const (
	StrategyIncremental Strategy = "incremental"
	StrategyFull        Strategy = "full"
)

// TableSpec declares a derived mart table.
type TableSpec struct {
	Name             string        `json:"name"`
	Strategy         Strategy      `json:"strategy"`
	UniqueKey        []string      `json:"unique_key"`
	Watermark        string        `json:"watermark,omitempty"`
	Columns          []Column      `json:"columns"` // resolved by the compiler, system columns included
	WritebackColumns []Column      `json:"writeback_columns,omitempty"`
	Aggregate        AggregateSpec `json:"aggregate"`
	Forecast         *ForecastSpec `json:"forecast,omitempty"`
}

// Blended reports whether the table mixes historical and forecast rows.
func (t *TableSpec) Blended() bool { return t.Forecast != nil }

// EffectiveKey is the physical uniqueness key: the declared unique key,
// extended with the forecast discriminators on blended tables.
func (t *TableSpec) EffectiveKey() []string {
	if !t.Blended() {
		return t.UniqueKey
	}
	key := make([]string, 0, len(t.UniqueKey)+2)
	key = append(key, t.UniqueKey...)
	return append(key, ColIsForecast, ColForecastHorizon)
}

// Column returns the named column.
func (t *TableSpec) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// IsWriteback reports whether column is owned by predictive writeback.
func (t *TableSpec) IsWriteback(column string) bool {
	for _, c := range t.WritebackColumns {
		if c.Name == column {
			return true
		}
	}
	return false
}

// IsKey reports whether column is part of the effective key.
func (t *TableSpec) IsKey(column string) bool {
	for _, k := range t.EffectiveKey() {
		if k == column {
			return true
		}
	}
	return false
}

// AggregateSpec describes how a table's rows are computed from its inputs.
type AggregateSpec struct {
	From     string        `json:"from"`
	Joins    []JoinSpec    `json:"joins,omitempty"`
	Compute  []DerivedSpec `json:"compute,omitempty"` // row-level, before grouping
	Grain    []GrainColumn `json:"grain"`
	Measures []MeasureSpec `json:"measures,omitempty"`
	Derived  []DerivedSpec `json:"derived,omitempty"` // grain-level, after grouping
	Rolling  []RollingSpec `json:"rolling,omitempty"`
}

// GrainColumn maps a target grain column to an input column.
type GrainColumn struct {
	Target string `json:"target"`
	Source string `json:"source"`
}

// JoinSpec is a left join of a lookup table onto the fact stream.
// The lookup must be unique on the Right columns of On.
type JoinSpec struct {
	Table       string       `json:"table"`
	On          []JoinOn     `json:"on"`
	Columns     []JoinColumn `json:"columns"`
	CurrentOnly bool         `json:"current_only"`
}

// JoinOn is one equality condition: fact.Left = lookup.Right.
type JoinOn struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// JoinColumn copies lookup column Column onto the fact row as As.
type JoinColumn struct {
	As     string `json:"as"`
	Column string `json:"column"`
}

// MeasureFunc is an aggregate function.
type MeasureFunc string

const (
	MeasureCount         MeasureFunc = "count"
	MeasureCountIf       MeasureFunc = "count_if"
	MeasureCountDistinct MeasureFunc = "count_distinct"
	MeasureSum           MeasureFunc = "sum"
	MeasureAvg           MeasureFunc = "avg"
	MeasureMin           MeasureFunc = "min"
	MeasureMax           MeasureFunc = "max"
)

// ValidMeasureFuncs defines allowed aggregate functions.
var ValidMeasureFuncs = map[MeasureFunc]bool{
	MeasureCount:         true,
	MeasureCountIf:       true,
	MeasureCountDistinct: true,
	MeasureSum:           true,
	MeasureAvg:           true,
	MeasureMin:           true,
	MeasureMax:           true,
}

// MeasureSpec is one aggregate over the grouped input rows.
type MeasureSpec struct {
	Name   string      `json:"name"`
	Func   MeasureFunc `json:"func"`
	Column string      `json:"column,omitempty"`
	Equals Value       `json:"-"` // count_if: match this value instead of true
	Scale  int32       `json:"scale"`
	Type   ColumnType  `json:"type"` // resolved by the compiler
}

// DerivedKind is a null-safe arithmetic or comparison over columns.
type DerivedKind string

const (
	DerivedPct     DerivedKind = "pct"
	DerivedRatio   DerivedKind = "ratio"
	DerivedDiff    DerivedKind = "diff"
	DerivedBalance DerivedKind = "balance"
	DerivedProduct DerivedKind = "product"
	DerivedFlag    DerivedKind = "flag"
)

// ValidDerivedKinds defines allowed derived metric kinds.
var ValidDerivedKinds = map[DerivedKind]bool{
	DerivedPct:     true,
	DerivedRatio:   true,
	DerivedDiff:    true,
	DerivedBalance: true,
	DerivedProduct: true,
	DerivedFlag:    true,
}

// DerivedSpec computes one column from others on the same row.
//
//	pct:     round(Num / Den * 100, Scale), 0 when Den is zero
//	ratio:   round(Num / Den, Scale), 0 when Den is zero
//	diff:    Σ Plus − Σ Minus
//	balance: max(Σ Plus − Σ Minus, Floor)
//	product: Π Plus
//	flag:    Left Op (Right | Value)
type DerivedSpec struct {
	Name  string           `json:"name"`
	Kind  DerivedKind      `json:"kind"`
	Num   string           `json:"num,omitempty"`
	Den   string           `json:"den,omitempty"`
	Plus  []string         `json:"plus,omitempty"`
	Minus []string         `json:"minus,omitempty"`
	Floor *decimal.Decimal `json:"floor,omitempty"`
	Left  string           `json:"left,omitempty"`
	Op    CompareOp        `json:"op,omitempty"`
	Right string           `json:"right,omitempty"`
	Value *decimal.Decimal `json:"value,omitempty"`
	Scale int32            `json:"scale"`
	Type  ColumnType       `json:"type"` // resolved by the compiler
}

// CompareOp is a comparison operator used by flags and rules.
type CompareOp string

const (
	OpGT  CompareOp = "gt"
	OpGTE CompareOp = "gte"
	OpLT  CompareOp = "lt"
	OpLTE CompareOp = "lte"
	OpEQ  CompareOp = "eq"
	OpNE  CompareOp = "ne"
)

// ValidCompareOps maps operators to their SQL spelling.
var ValidCompareOps = map[CompareOp]string{
	OpGT:  ">",
	OpGTE: ">=",
	OpLT:  "<",
	OpLTE: "<=",
	OpEQ:  "=",
	OpNE:  "<>",
}

// Holds applies the operator to a comparison result.
func (op CompareOp) Holds(cmp int) bool {
	switch op {
	case OpGT:
		return cmp > 0
	case OpGTE:
		return cmp >= 0
	case OpLT:
		return cmp < 0
	case OpLTE:
		return cmp <= 0
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	}
	return false
}

// RollingFunc is a trailing-window function.
type RollingFunc string

const (
	RollingSum    RollingFunc = "sum"
	RollingAvg    RollingFunc = "avg"
	RollingStddev RollingFunc = "stddev"
)

// RollingSpec is a trailing window over the per-period measure series.
// Measure must name a measure of the same table; Window counts periods
// (days) including the current one.
type RollingSpec struct {
	Name    string      `json:"name"`
	Func    RollingFunc `json:"func"`
	Measure string      `json:"measure"`
	Window  int         `json:"window"`
	Scale   int32       `json:"scale"`
}

// ForecastSpec makes a table blended: rows from the forecast source are
// overlaid as is_forecast = true rows, one vintage per horizon.
type ForecastSpec struct {
	From    string       `json:"from"`
	Horizon string       `json:"horizon"` // horizon column in the forecast source
	Vintage string       `json:"vintage"` // vintage column in the forecast source
	Columns []JoinColumn `json:"columns"` // target column <- forecast source column
}

// Severity classifies a rule violation.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// RuleKind selects a rule template.
type RuleKind string

const (
	RuleUnique      RuleKind = "unique"
	RuleNotNull     RuleKind = "not_null"
	RuleRange       RuleKind = "range"
	RuleBalance     RuleKind = "balance"
	RuleSumMatch    RuleKind = "sum_match"
	RuleFlag        RuleKind = "flag"
	RuleReferential RuleKind = "referential"
	RuleExpr        RuleKind = "expr"
)

// ValidRuleKinds defines allowed rule kinds.
var ValidRuleKinds = map[RuleKind]bool{
	RuleUnique:      true,
	RuleNotNull:     true,
	RuleRange:       true,
	RuleBalance:     true,
	RuleSumMatch:    true,
	RuleFlag:        true,
	RuleReferential: true,
	RuleExpr:        true,
}

// RuleSpec is one declarative postcondition over stored tables.
//
//	unique:      Columns unique in Table
//	not_null:    Columns never NULL
//	range:       Min <= Column <= Max
//	balance:     Column = max(Σ Plus − Σ Minus, Floor) within Tolerance
//	sum_match:   Column = SUM(RefTable.RefColumn) grouped by Columns within Tolerance
//	flag:        Column = (Left Op Right|Value)
//	referential: Columns exist in RefTable.RefColumns
//	expr:        Expr holds for every row
type RuleSpec struct {
	Name       string           `json:"name"`
	Kind       RuleKind         `json:"kind"`
	Severity   Severity         `json:"severity"`
	Table      string           `json:"table"`
	Columns    []string         `json:"columns,omitempty"`
	Column     string           `json:"column,omitempty"`
	Min        *decimal.Decimal `json:"min,omitempty"`
	Max        *decimal.Decimal `json:"max,omitempty"`
	Plus       []string         `json:"plus,omitempty"`
	Minus      []string         `json:"minus,omitempty"`
	Floor      *decimal.Decimal `json:"floor,omitempty"`
	Left       string           `json:"left,omitempty"`
	Op         CompareOp        `json:"op,omitempty"`
	Right      string           `json:"right,omitempty"`
	Value      *decimal.Decimal `json:"value,omitempty"`
	RefTable   string           `json:"ref_table,omitempty"`
	RefColumn  string           `json:"ref_column,omitempty"`
	RefColumns []string         `json:"ref_columns,omitempty"`
	Expr       string           `json:"expr,omitempty"`
	Where      string           `json:"where,omitempty"`
	Tolerance  decimal.Decimal  `json:"tolerance"`
	SkipNulls  bool             `json:"skip_nulls"`
	Examples   int              `json:"examples"`
}

// Project is a compiled configuration: every declared object in
// declaration order plus the dependency levels computed by the compiler.
type Project struct {
	Sources    []SourceSpec    `json:"sources"`
	Dimensions []DimensionSpec `json:"dimensions"`
	Tables     []TableSpec     `json:"tables"`
	Rules      []RuleSpec      `json:"rules"`
	Levels     [][]string      `json:"levels"` // dimension and table names per dependency level
}

// Source returns the named source spec.
func (p *Project) Source(name string) (*SourceSpec, bool) {
	for i := range p.Sources {
		if p.Sources[i].Name == name {
			return &p.Sources[i], true
		}
	}
	return nil, false
}

// Dimension returns the named dimension spec.
func (p *Project) Dimension(name string) (*DimensionSpec, bool) {
	for i := range p.Dimensions {
		if p.Dimensions[i].Name == name {
			return &p.Dimensions[i], true
		}
	}
	return nil, false
}

// Table returns the named table spec.
func (p *Project) Table(name string) (*TableSpec, bool) {
	for i := range p.Tables {
		if p.Tables[i].Name == name {
			return &p.Tables[i], true
		}
	}
	return nil, false
}

// ColumnsOf returns the stored columns of any declared relation.
// Dimension columns include the SCD system columns.
func (p *Project) ColumnsOf(name string) ([]Column, bool) {
	if s, ok := p.Source(name); ok {
		return s.Columns, true
	}
	if d, ok := p.Dimension(name); ok {
		return d.StoredColumns(), true
	}
	if t, ok := p.Table(name); ok {
		return t.Columns, true
	}
	return nil, false
}

// StoredColumns returns the dimension's attributes followed by the SCD
// system columns.
func (d *DimensionSpec) StoredColumns() []Column {
	cols := make([]Column, 0, len(d.Columns)+4)
	cols = append(cols, d.Columns...)
	return append(cols,
		Column{Name: ColValidFrom, Type: TypeTimestamp},
		Column{Name: ColValidTo, Type: TypeTimestamp},
		Column{Name: ColIsCurrent, Type: TypeBool},
		Column{Name: ColRowHash, Type: TypeString},
	)
}

// VersionKey is the physical key of a dimension version record.
func (d *DimensionSpec) VersionKey() []string {
	key := make([]string, 0, len(d.Key)+1)
	key = append(key, d.Key...)
	return append(key, ColValidFrom)
}
