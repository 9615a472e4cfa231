package pipeline

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/query"
)

// maxMatchValues bounds how many distinct values per column are checked
// against the question.
const maxMatchValues = 500

// triggers maps aggregate functions to the phrases that suggest them, in
// precedence order.
var triggers = []struct {
	fn      query.Function
	phrases []string
}{
	{query.FuncCount, []string{"how many", "count", "number of"}},
	{query.FuncSum, []string{"total", "sum", "aggregate"}},
	{query.FuncAverage, []string{"average", "mean", "typical"}},
	{query.FuncMax, []string{"highest", "maximum", "largest", "most", "biggest"}},
	{query.FuncMin, []string{"lowest", "minimum", "smallest", "least", "fewest"}},
}

// anomalyPhrases mark a question about unusual values rather than an
// aggregate.
var anomalyPhrases = []string{"unusual", "anomaly", "anomalies", "anomalous", "outlier", "outliers", "abnormal"}

var (
	yearRe  = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	wordRe  = regexp.MustCompile(`[a-z0-9]+`)
	groupRe = regexp.MustCompile(`\b(?:by|per|for each)\s+([a-z0-9 ]+)`)
)

// HeuristicPlanner guesses a plan from keywords in the question. It is a
// lower-confidence path used only when no valid plan was understood.
type HeuristicPlanner struct {
	src query.Source
}

// NewHeuristicPlanner creates a planner that matches against src.
func NewHeuristicPlanner(src query.Source) *HeuristicPlanner {
	return &HeuristicPlanner{src: src}
}

// Plan returns a guessed plan, or false when the question gives too little
// to go on.
func (h *HeuristicPlanner) Plan(question string, convo *Conversation) (*query.Plan, bool) {
	q := strings.ToLower(question)
	words := wordRe.FindAllString(q, -1)
	if len(words) == 0 {
		return nil, false
	}
	schema := h.src.Schema()
	if slices.ContainsFunc(anomalyPhrases, func(p string) bool { return containsPhrase(q, p) }) {
		return h.anomalyPlan(schema, q, words, convo)
	}
	fn, hasFn := detectFunction(q)

	target, score := bestColumn(schema, words, func(c dataset.Column) bool { return c.Type == dataset.Numeric })
	if score == 0 && convo != nil && convo.Plan != nil {
		return h.followUp(q, words, fn, hasFn, convo.Plan.Clone())
	}

	if !hasFn {
		fn = query.FuncAverage
		if score == 0 {
			return nil, false
		}
	}

	plan := &query.Plan{}
	switch {
	case fn == query.FuncCount:
		name := mentionedDataset(schema, words)
		if name == "" {
			if c, s := bestColumn(schema, words, func(dataset.Column) bool { return true }); s > 0 {
				name = c.dataset
			} else {
				names := schema.Names()
				if len(names) == 0 {
					return nil, false
				}
				name = names[0]
			}
		}
		plan.Sources = []string{name}
		plan.Aggregates = []query.Aggregate{{Function: query.FuncCount}}
	case score > 0:
		plan.Sources = []string{target.dataset}
		plan.Aggregates = []query.Aggregate{{Column: target.name, Function: fn}}
	default:
		return nil, false
	}

	ds, _ := schema.Dataset(plan.Sources[0])
	plan.Filters = h.valueFilters(ds, q)
	if g, ok := groupColumn(ds, q); ok {
		plan.GroupBy = []query.GroupKey{{Column: g}}
		plan.Filters = slices.DeleteFunc(plan.Filters, func(f query.Filter) bool { return f.Column == g })
	}
	if year, ok := detectYear(q); ok && ds.HasTemporal() {
		plan.TimePeriod = &query.TimePeriod{Year: year}
	}
	return plan, true
}

// anomalyPlan checks the named numeric column for unusual values, or every
// currency column of the mentioned dataset when no column is named.
func (h *HeuristicPlanner) anomalyPlan(schema *dataset.Schema, q string, words []string, convo *Conversation) (*query.Plan, bool) {
	plan := &query.Plan{Anomalies: &query.Anomalies{}}
	if target, score := bestColumn(schema, words, func(c dataset.Column) bool {
		return c.Type == dataset.Numeric && !c.Identifier
	}); score > 0 {
		plan.Sources = []string{target.dataset}
		plan.Anomalies.Columns = []string{target.name}
	} else {
		name := mentionedDataset(schema, words)
		if name == "" && convo != nil && convo.Plan != nil && len(convo.Plan.Sources) > 0 {
			name = convo.Plan.Sources[0]
		}
		if name == "" {
			name = currencyDataset(schema)
		}
		if name == "" {
			return nil, false
		}
		plan.Sources = []string{name}
	}

	ds, _ := schema.Dataset(plan.Sources[0])
	plan.Filters = h.valueFilters(ds, q)
	if year, ok := detectYear(q); ok && ds.HasTemporal() {
		plan.TimePeriod = &query.TimePeriod{Year: year}
	}
	return plan, true
}

// currencyDataset returns the first dataset with a currency column.
func currencyDataset(schema *dataset.Schema) string {
	for _, name := range schema.Names() {
		ds, _ := schema.Dataset(name)
		for _, c := range ds.Columns {
			if c.Unit == dataset.UnitCurrency {
				return name
			}
		}
	}
	return ""
}

// followUp adapts the previous plan to a question that names no column of
// its own, such as "and the lowest?" or "what about 2024?".
func (h *HeuristicPlanner) followUp(q string, words []string, fn query.Function, hasFn bool, plan *query.Plan) (*query.Plan, bool) {
	changed := false
	if hasFn && len(plan.Aggregates) > 0 {
		for i := range plan.Aggregates {
			a := &plan.Aggregates[i]
			if fn.NeedsNumeric() && a.Column == "" {
				continue
			}
			a.Function, a.Alias = fn, ""
			changed = true
		}
	}
	if year, ok := detectYear(q); ok {
		plan.TimePeriod = &query.TimePeriod{Year: year}
		changed = true
	}
	schema := h.src.Schema()
	for _, name := range plan.Sources {
		ds, ok := schema.Dataset(name)
		if !ok {
			continue
		}
		for _, f := range h.valueFilters(ds, q) {
			plan.Filters = slices.DeleteFunc(plan.Filters, func(old query.Filter) bool { return old.Column == f.Column })
			plan.Filters = append(plan.Filters, f)
			changed = true
		}
	}
	if !changed {
		return nil, false
	}
	// Sort keys name the old aggregate outputs.
	plan.Sort = nil
	return plan, true
}

// valueFilters adds an equals filter for each categorical column whose
// value appears in the question as whole words.
func (h *HeuristicPlanner) valueFilters(ds dataset.DatasetSchema, q string) []query.Filter {
	d, err := h.src.Get(ds.Name)
	if err != nil {
		return nil
	}
	var filters []query.Filter
	for _, c := range ds.Columns {
		if c.Type != dataset.Categorical {
			continue
		}
		values := d.DistinctValues(c.Name)
		if len(values) > maxMatchValues {
			continue
		}
		var best string
		for _, v := range values {
			text := strings.ToLower(strings.TrimSpace(v.Text()))
			if len(text) < 2 || len(text) <= len(best) {
				continue
			}
			if containsPhrase(q, text) {
				best = v.Text()
			}
		}
		if best != "" {
			filters = append(filters, query.Filter{Column: c.Name, Operator: query.OpEquals, Value: best})
		}
	}
	return filters
}

type columnRef struct {
	dataset string
	name    string
}

// bestColumn scores every column accepted by keep by how many of its name
// words appear in the question. Ties go to the earlier dataset and column.
func bestColumn(schema *dataset.Schema, words []string, keep func(dataset.Column) bool) (columnRef, int) {
	var best columnRef
	bestScore := 0
	for _, name := range schema.Names() {
		ds, _ := schema.Dataset(name)
		for _, c := range ds.Columns {
			if !keep(c) {
				continue
			}
			if s := columnScore(c.Name, words); s > bestScore {
				best, bestScore = columnRef{dataset: name, name: c.Name}, s
			}
		}
	}
	return best, bestScore
}

// stopWords never count towards a column match.
var stopWords = map[string]struct{}{
	"usd": {}, "id": {}, "of": {}, "the": {}, "in": {}, "per": {}, "and": {},
}

func columnScore(column string, words []string) int {
	score := 0
	for _, cw := range wordRe.FindAllString(strings.ToLower(column), -1) {
		if _, stop := stopWords[cw]; stop {
			continue
		}
		for _, w := range words {
			if w == cw || w == cw+"s" || cw == w+"s" {
				score++
				break
			}
		}
	}
	return score
}

// detectFunction returns the function whose trigger appears earliest.
func detectFunction(q string) (query.Function, bool) {
	var fn query.Function
	pos := -1
	for _, t := range triggers {
		for _, p := range t.phrases {
			i := phraseIndex(q, p)
			if i >= 0 && (pos < 0 || i < pos) {
				fn, pos = t.fn, i
			}
		}
	}
	return fn, pos >= 0
}

func detectYear(q string) (int, bool) {
	m := yearRe.FindString(q)
	if m == "" {
		return 0, false
	}
	year, err := strconv.Atoi(m)
	return year, err == nil
}

func mentionedDataset(schema *dataset.Schema, words []string) string {
	for _, name := range schema.Names() {
		n := strings.ToLower(name)
		for _, w := range words {
			if w == n || w+"s" == n || w == n+"s" {
				return name
			}
		}
	}
	return ""
}

// groupColumn finds a categorical column named right after "by", "per" or
// "for each".
func groupColumn(ds dataset.DatasetSchema, q string) (string, bool) {
	m := groupRe.FindStringSubmatch(q)
	if m == nil {
		return "", false
	}
	words := wordRe.FindAllString(m[1], 3)
	var best string
	bestScore := 0
	for _, c := range ds.Columns {
		if c.Type != dataset.Categorical {
			continue
		}
		if s := columnScore(c.Name, words); s > bestScore {
			best, bestScore = c.Name, s
		}
	}
	return best, bestScore > 0
}

func containsPhrase(q, phrase string) bool {
	return phraseIndex(q, phrase) >= 0
}

// phraseIndex finds phrase in q on word boundaries.
func phraseIndex(q, phrase string) int {
	from := 0
	for {
		i := strings.Index(q[from:], phrase)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(phrase)
		if (i == 0 || !isWordByte(q[i-1])) && (end == len(q) || !isWordByte(q[end])) {
			return i
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
