package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DecodePlan parses a plan from JSON. Besides the canonical shape it
// accepts the older shapes still produced by some prompts:
//
//   - {"query_plan": {"data_needed", "calculations", "filters", "time_period"}}
//   - {"source", "filters": {column: value}, "group_by", "aggregate": {column: function}}
//   - {"data_sources", "operations": [{"type", "params"}]}
//
// and folds them into a single Plan. A calculation of type ratio,
// difference or percentage in any of these shapes becomes a Derived value.
func DecodePlan(b []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("plan must be a JSON object, got %s", typeName(raw))
	}
	return NormalizePlan(obj)
}

// NormalizePlan converts a generic JSON object into a Plan.
func NormalizePlan(raw map[string]any) (*Plan, error) {
	for _, key := range []string{"query_plan", "plan"} {
		if inner, ok := raw[key].(map[string]any); ok {
			raw = inner
			break
		}
	}

	n := &normalizer{plan: &Plan{}}
	n.sources(raw)
	if err := n.filters(raw["filters"]); err != nil {
		return nil, err
	}
	if err := n.groupBy(raw["group_by"], &n.plan.GroupBy); err != nil {
		return nil, err
	}
	if err := n.groupBy(raw["groupby"], &n.plan.GroupBy); err != nil {
		return nil, err
	}
	for _, key := range []string{"aggregates", "calculations", "metrics"} {
		if err := n.aggregates(raw[key]); err != nil {
			return nil, err
		}
	}
	if err := n.aggregateMap(raw["aggregate"]); err != nil {
		return nil, err
	}
	if err := n.derivedList(raw["derived"]); err != nil {
		return nil, err
	}
	for _, key := range []string{"anomalies", "anomaly", "outliers"} {
		if err := n.anomalies(raw[key]); err != nil {
			return nil, err
		}
	}
	if err := n.join(raw["join"]); err != nil {
		return nil, err
	}
	for _, key := range []string{"sort", "order_by"} {
		if err := n.sort(raw[key]); err != nil {
			return nil, err
		}
	}
	if err := n.timePeriod(raw["time_period"]); err != nil {
		return nil, err
	}
	if cols, ok := stringList(raw["columns"]); ok {
		n.plan.Columns = append(n.plan.Columns, cols...)
	} else if cols, ok := stringList(raw["data_needed"]); ok {
		n.plan.Columns = append(n.plan.Columns, cols...)
	}
	for _, key := range []string{"limit", "top", "top_n"} {
		if v, ok := intValue(raw[key]); ok && v > 0 {
			n.plan.Limit = v
			break
		}
	}
	if err := n.operations(raw["operations"]); err != nil {
		return nil, err
	}

	n.finish()
	return n.plan, nil
}

type normalizer struct {
	plan *Plan
	// datasets named on individual filters/aggregates, used when the plan
	// names no sources of its own.
	implied []string
}

func (n *normalizer) sources(raw map[string]any) {
	for _, key := range []string{"sources", "data_sources", "datasets", "source", "dataset"} {
		if list, ok := stringList(raw[key]); ok && len(list) > 0 {
			n.plan.Sources = append(n.plan.Sources, list...)
			return
		}
	}
}

func (n *normalizer) imply(dataset string) {
	if dataset != "" {
		n.implied = append(n.implied, dataset)
	}
}

func (n *normalizer) filters(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		for i, item := range x {
			obj, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("filters[%d]: expected an object, got %s", i, typeName(item))
			}
			f := Filter{
				Dataset:  firstString(obj, "dataset", "source"),
				Column:   firstString(obj, "column", "field"),
				Operator: normalizeOperator(firstString(obj, "operator", "op")),
				Value:    obj["value"],
			}
			if f.Operator == "" {
				f.Operator = OpEquals
			}
			n.imply(f.Dataset)
			n.plan.Filters = append(n.plan.Filters, f)
		}
		return nil
	case map[string]any:
		keys := sortedKeys(x)
		for _, col := range keys {
			op := OpEquals
			if _, isList := x[col].([]any); isList {
				op = OpIn
			}
			n.plan.Filters = append(n.plan.Filters, Filter{Column: col, Operator: op, Value: x[col]})
		}
		return nil
	default:
		return fmt.Errorf("filters: expected a list or object, got %s", typeName(v))
	}
}

func (n *normalizer) groupBy(v any, dst *[]GroupKey) error {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		*dst = append(*dst, GroupKey{Column: x})
		return nil
	case []any:
		for i, item := range x {
			switch it := item.(type) {
			case string:
				*dst = append(*dst, GroupKey{Column: it})
			case map[string]any:
				*dst = append(*dst, GroupKey{
					Dataset: firstString(it, "dataset"),
					Column:  firstString(it, "column", "field"),
					Bucket:  Bucket(lower(firstString(it, "bucket"))),
				})
			default:
				return fmt.Errorf("group_by[%d]: expected a string or object, got %s", i, typeName(item))
			}
		}
		return nil
	default:
		return fmt.Errorf("group_by: expected a list, got %s", typeName(v))
	}
}

func (n *normalizer) aggregates(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		for i, item := range x {
			obj, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("aggregates[%d]: expected an object, got %s", i, typeName(item))
			}
			if err := n.aggregate(obj); err != nil {
				return fmt.Errorf("aggregates[%d]: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		return n.aggregate(x)
	default:
		return fmt.Errorf("aggregates: expected a list, got %s", typeName(v))
	}
}

func (n *normalizer) aggregate(obj map[string]any) error {
	if kind := DerivedKind(lower(firstString(obj, "kind", "type", "function", "operation"))); kind.valid() {
		n.derived(kind, obj)
		return nil
	}
	a := Aggregate{
		Dataset:  firstString(obj, "dataset", "source"),
		Column:   firstString(obj, "column", "field"),
		Function: Function(lower(firstString(obj, "function", "type", "operation", "func"))),
		Alias:    firstString(obj, "alias", "name"),
	}
	n.imply(a.Dataset)

	trend := a.Function == "trend"
	a.Function = normalizeFunction(string(a.Function))
	if err := n.groupBy(obj["group_by"], &a.GroupBy); err != nil {
		return err
	}
	if err := n.groupBy(obj["groupby"], &a.GroupBy); err != nil {
		return err
	}
	if trend {
		// A trend is a monthly series over the primary temporal column.
		a.Function = FuncSum
		a.GroupBy = append(a.GroupBy, GroupKey{Dataset: a.Dataset, Bucket: BucketMonth})
	}
	if id := firstString(obj, "building_id"); id != "" {
		n.addFilter(Filter{Dataset: a.Dataset, Column: "Building ID", Operator: OpEquals, Value: id})
	}
	n.plan.Aggregates = append(n.plan.Aggregates, a)
	return nil
}

func (n *normalizer) aggregateMap(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for _, col := range sortedKeys(x) {
			fn, ok := x[col].(string)
			if !ok {
				return fmt.Errorf("aggregate[%q]: expected a function name, got %s", col, typeName(x[col]))
			}
			n.plan.Aggregates = append(n.plan.Aggregates, Aggregate{Column: col, Function: normalizeFunction(fn)})
		}
		return nil
	case []any:
		return n.aggregates(x)
	default:
		return fmt.Errorf("aggregate: expected an object, got %s", typeName(v))
	}
}

func (n *normalizer) derivedList(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		for i, item := range x {
			obj, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("derived[%d]: expected an object, got %s", i, typeName(item))
			}
			kind := DerivedKind(lower(firstString(obj, "kind", "type")))
			n.derived(kind, obj)
		}
		return nil
	default:
		return fmt.Errorf("derived: expected a list, got %s", typeName(v))
	}
}

// derived reads a derived value. Besides left/right it accepts the operand
// names of the older calculate step: numerator/denominator,
// minuend/subtrahend and part/whole.
func (n *normalizer) derived(kind DerivedKind, obj map[string]any) {
	n.imply(firstString(obj, "dataset", "source"))
	n.plan.Derived = append(n.plan.Derived, Derived{
		Name:  firstString(obj, "name", "alias"),
		Kind:  kind,
		Left:  firstString(obj, "left", "numerator", "minuend", "part"),
		Right: firstString(obj, "right", "denominator", "subtrahend", "whole"),
	})
}

// anomalies accepts true, an object with columns and threshold, or a list
// of columns.
func (n *normalizer) anomalies(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			n.plan.Anomalies = &Anomalies{}
		}
		return nil
	case []any:
		cols, ok := stringList(x)
		if !ok {
			return fmt.Errorf("anomalies: expected a list of column names")
		}
		n.plan.Anomalies = &Anomalies{Columns: cols}
		return nil
	case map[string]any:
		an := &Anomalies{}
		if cols, ok := stringList(x["columns"]); ok {
			an.Columns = cols
		} else if cols, ok := stringList(x["column"]); ok {
			an.Columns = cols
		}
		for _, key := range []string{"threshold", "z_score", "z"} {
			if f, ok := floatValue(x[key]); ok {
				an.Threshold = f
				break
			}
		}
		n.plan.Anomalies = an
		return nil
	default:
		return fmt.Errorf("anomalies: expected an object, got %s", typeName(v))
	}
}

func (n *normalizer) addFilter(f Filter) {
	for _, existing := range n.plan.Filters {
		if existing.Column == f.Column && existing.Operator == f.Operator && fmt.Sprint(existing.Value) == fmt.Sprint(f.Value) {
			return
		}
	}
	n.plan.Filters = append(n.plan.Filters, f)
}

func (n *normalizer) join(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		j := &Join{
			Left:   firstString(x, "left"),
			Right:  firstString(x, "right"),
			Column: firstString(x, "column", "on", "key"),
			Kind:   JoinKind(lower(firstString(x, "kind", "how", "type"))),
		}
		if j.Column == "" {
			if on, ok := stringList(x["on"]); ok && len(on) > 0 {
				j.Column = on[0]
			}
		}
		switch j.Kind {
		case "":
			j.Kind = JoinInner
		case "full", "full_outer", "outer_join":
			j.Kind = JoinOuter
		}
		n.plan.Join = j
		return nil
	default:
		return fmt.Errorf("join: expected an object, got %s", typeName(v))
	}
}

func (n *normalizer) sort(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		n.plan.Sort = append(n.plan.Sort, SortKey{Column: x, Direction: Asc})
		return nil
	case map[string]any:
		n.plan.Sort = append(n.plan.Sort, sortKey(x))
		return nil
	case []any:
		for i, item := range x {
			switch it := item.(type) {
			case string:
				n.plan.Sort = append(n.plan.Sort, SortKey{Column: it, Direction: Asc})
			case map[string]any:
				n.plan.Sort = append(n.plan.Sort, sortKey(it))
			default:
				return fmt.Errorf("sort[%d]: expected a string or object, got %s", i, typeName(item))
			}
		}
		return nil
	default:
		return fmt.Errorf("sort: expected a list, got %s", typeName(v))
	}
}

func sortKey(obj map[string]any) SortKey {
	k := SortKey{
		Dataset:   firstString(obj, "dataset"),
		Column:    firstString(obj, "column", "field", "by"),
		Direction: Asc,
	}
	switch lower(firstString(obj, "direction", "order")) {
	case "desc", "descending":
		k.Direction = Desc
	}
	if asc, ok := obj["ascending"].(bool); ok && !asc {
		k.Direction = Desc
	}
	return k
}

func (n *normalizer) timePeriod(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		tp := &TimePeriod{
			Start:   firstString(x, "start", "start_date", "from"),
			End:     firstString(x, "end", "end_date", "to"),
			Dataset: firstString(x, "dataset"),
			Column:  firstString(x, "column", "field"),
		}
		if y, ok := intValue(x["year"]); ok {
			tp.Year = y
		}
		if m, ok := intValue(x["month"]); ok {
			tp.Month = m
		}
		if *tp == (TimePeriod{}) {
			return nil
		}
		n.plan.TimePeriod = tp
		return nil
	default:
		if y, ok := intValue(v); ok {
			n.plan.TimePeriod = &TimePeriod{Year: y}
			return nil
		}
		return fmt.Errorf("time_period: expected an object, got %s", typeName(v))
	}
}

// operations folds the step-list shape into the plan.
func (n *normalizer) operations(v any) error {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	for i, item := range list {
		op, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("operations[%d]: expected an object, got %s", i, typeName(item))
		}
		params, _ := op["params"].(map[string]any)
		if params == nil {
			params = map[string]any{}
		}
		n.imply(firstString(params, "source"))
		var err error
		switch lower(firstString(op, "type")) {
		case "filter":
			err = n.filters(params["conditions"])
		case "aggregate", "calculate":
			if err = n.groupBy(params["group_by"], &n.plan.GroupBy); err == nil {
				err = n.aggregates(params["metrics"])
			}
		case "join":
			err = n.join(params)
		case "sort":
			err = n.sort(params)
		case "anomalies", "anomaly", "identify_anomalies", "outliers":
			if len(params) == 0 {
				err = n.anomalies(true)
			} else {
				err = n.anomalies(params)
			}
		}
		if err != nil {
			return fmt.Errorf("operations[%d]: %w", i, err)
		}
	}
	return nil
}

func (n *normalizer) finish() {
	p := n.plan
	if len(p.Sources) == 0 {
		if p.Join != nil {
			p.Sources = []string{p.Join.Left, p.Join.Right}
		} else {
			p.Sources = dedupe(n.implied)
		}
	}
	p.Sources = dedupe(p.Sources)

	// A per-aggregate group-by with no plan-level one becomes the plan's.
	if len(p.GroupBy) == 0 {
		for _, a := range p.Aggregates {
			if len(a.GroupBy) > 0 {
				p.GroupBy = append([]GroupKey(nil), a.GroupBy...)
				break
			}
		}
	}
	if len(p.GroupBy) > 0 {
		for i := range p.Aggregates {
			if groupKeysEqual(p.Aggregates[i].GroupBy, p.GroupBy) {
				p.Aggregates[i].GroupBy = nil
			}
		}
	}
}

func groupKeysEqual(a, b []GroupKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func normalizeFunction(s string) Function {
	switch lower(s) {
	case "sum", "total", "aggregate":
		return FuncSum
	case "average", "avg", "mean", "typical":
		return FuncAverage
	case "count", "number", "how_many":
		return FuncCount
	case "min", "minimum", "lowest", "smallest", "least":
		return FuncMin
	case "max", "maximum", "highest", "largest", "most":
		return FuncMax
	}
	return Function(lower(s))
}

func normalizeOperator(s string) Operator {
	switch lower(s) {
	case "":
		return ""
	case "equals", "equal", "eq", "=", "==", "is":
		return OpEquals
	case "greater_than", "gt", ">", "greater", "above":
		return OpGreaterThan
	case "less_than", "lt", "<", "less", "below":
		return OpLessThan
	case "in", "one_of":
		return OpIn
	case "contains", "like", "includes":
		return OpContains
	}
	return Operator(lower(s))
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func stringList(v any) ([]string, bool) {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, false
		}
		return []string{strings.TrimSpace(x)}, true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, strings.TrimSpace(s))
		}
		return out, true
	case []string:
		return x, true
	}
	return nil, false
}

func intValue(v any) (int, bool) {
	switch x := v.(type) {
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil || f != float64(int(f)) {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	case int:
		return x, true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func floatValue(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64, int:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
