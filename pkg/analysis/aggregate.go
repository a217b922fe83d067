package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/exploopio/insight/pkg/component"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/severity"
)

// DefaultTopProducts is the number of products ranked when none is given.
const DefaultTopProducts = 5

// ProductCount is one row of the per-product ranking.
type ProductCount struct {
	Product string `json:"product"`
	Count   int    `json:"count"`
}

// ProductBreakdown is a product's severity histogram.
type ProductBreakdown struct {
	Product   string             `json:"product"`
	ProductID int                `json:"product_id"`
	Severity  severity.Histogram `json:"severity"`
	Total     int                `json:"total"`
}

// ComponentRisk is one row of the component risk ranking.
type ComponentRisk struct {
	Component        string             `json:"component"`
	Count            int                `json:"count"`
	Critical         int                `json:"critical"`
	High             int                `json:"high"`
	Severity         severity.Histogram `json:"severity"`
	RiskScore        float64            `json:"risk_score"`
	RiskSharePercent float64            `json:"risk_share_percent"`
	Products         []string           `json:"products"`
}

// ComponentUsage is a component shared across products.
type ComponentUsage struct {
	Component    string   `json:"component"`
	Products     []string `json:"products"`
	ProductCount int      `json:"product_count"`
	Total        int      `json:"total"`
	Critical     int      `json:"critical"`
	High         int      `json:"high"`
}

// ToolSummary is one tool's rollup.
type ToolSummary struct {
	Tool              string             `json:"tool"`
	Count             int                `json:"count"`
	Severity          severity.Histogram `json:"severity"`
	TopComponent      string             `json:"top_component,omitempty"`
	TopComponentCount int                `json:"top_component_count,omitempty"`
}

// AgedFinding is a finding with its age.
type AgedFinding struct {
	ID       int            `json:"id"`
	Title    string         `json:"title"`
	Severity severity.Level `json:"severity"`
	Product  string         `json:"product,omitempty"`
	Date     time.Time      `json:"date"`
	AgeDays  int            `json:"age_days"`
	CVE      string         `json:"cve,omitempty"`
}

// ProductRisk is a product's CVSS-weighted risk.
type ProductRisk struct {
	Product          string             `json:"product"`
	Count            int                `json:"count"`
	Severity         severity.Histogram `json:"severity"`
	RiskScore        float64            `json:"risk_score"`
	AverageCVSS      float64            `json:"average_cvss"`
	RiskSharePercent float64            `json:"risk_share_percent"`
}

// =============================================================================
// Histograms and product rankings
// =============================================================================

// SeverityHistogram counts findings per severity. Unrecognized severities
// are skipped.
func SeverityHistogram(findings []model.Finding) severity.Histogram {
	var h severity.Histogram
	for _, f := range findings {
		h.Add(f.Severity)
	}
	return h
}

// ProductSeverityBreakdown groups findings by resolved product name. Rows are
// ordered by total descending, then product name ascending. Findings without
// a resolvable product are left out.
func ProductSeverityBreakdown(findings []model.Finding, names Namer) []ProductBreakdown {
	byName := make(map[string]*ProductBreakdown)
	for _, f := range findings {
		p, ok := ProductOf(f, names)
		if !ok {
			continue
		}
		row, ok := byName[p.Name]
		if !ok {
			row = &ProductBreakdown{Product: p.Name, ProductID: p.ID}
			byName[p.Name] = row
		}
		row.Total++
		row.Severity.Add(f.Severity)
	}

	rows := make([]ProductBreakdown, 0, len(byName))
	for _, row := range byName {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Total != rows[j].Total {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].Product < rows[j].Product
	})
	return rows
}

// TopProducts ranks products by finding count (descending, ties by name
// ascending) and returns the first n. n <= 0 means DefaultTopProducts.
func TopProducts(findings []model.Finding, names Namer, n int) []ProductCount {
	if n <= 0 {
		n = DefaultTopProducts
	}
	rows := ProductSeverityBreakdown(findings, names)
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]ProductCount, len(rows))
	for i, r := range rows {
		out[i] = ProductCount{Product: r.Product, Count: r.Total}
	}
	return out
}

// =============================================================================
// Components
// =============================================================================

// ComponentRiskResult is the component risk ranking plus its denominator.
type ComponentRiskResult struct {
	Components []ComponentRisk `json:"components"`
	// TotalRisk is the CVSS sum over every input finding, attributed or not.
	TotalRisk float64 `json:"total_risk"`
}

// ComponentRiskRanking attributes each finding to its effective component,
// sums CVSS per component and ranks by critical, then high, then total count
// (all descending, ties by name). Risk share is the component's CVSS sum as a
// percentage of TotalRisk, rounded to one decimal.
func ComponentRiskRanking(findings []model.Finding, dict *component.Dictionary, names Namer) ComponentRiskResult {
	byName := make(map[string]*ComponentRisk)
	products := make(map[string]map[string]bool)
	var total float64

	for _, f := range findings {
		total += f.CVSSScore
		name := dict.Effective(f)
		if !component.Known(name) {
			continue
		}
		row, ok := byName[name]
		if !ok {
			row = &ComponentRisk{Component: name}
			byName[name] = row
			products[name] = make(map[string]bool)
		}
		row.Count++
		row.Severity.Add(f.Severity)
		row.RiskScore += f.CVSSScore
		if p, ok := ProductOf(f, names); ok {
			products[name][p.Name] = true
		}
	}

	rows := make([]ComponentRisk, 0, len(byName))
	for name, row := range byName {
		row.Critical = row.Severity.Critical
		row.High = row.Severity.High
		row.RiskSharePercent = share(row.RiskScore, total)
		row.RiskScore = round1(row.RiskScore)
		row.Products = sortedKeys(products[name])
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Critical != b.Critical {
			return a.Critical > b.Critical
		}
		if a.High != b.High {
			return a.High > b.High
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Component < b.Component
	})
	return ComponentRiskResult{Components: rows, TotalRisk: round1(total)}
}

// CrossProductUsage reports components found in findings of several
// products. With no required products a component qualifies when it appears
// in at least minProducts distinct products (2 when minProducts < 2). With
// required products only their findings are considered and a component
// qualifies when it appears in every one of them. Rows are ordered by product
// count, critical, high and total (descending), then name.
func CrossProductUsage(findings []model.Finding, dict *component.Dictionary, names Namer, required []model.Product, minProducts int) []ComponentUsage {
	if minProducts < 2 {
		minProducts = 2
	}
	requiredIDs := make(map[int]bool, len(required))
	for _, p := range required {
		requiredIDs[p.ID] = true
	}

	byName := make(map[string]*ComponentUsage)
	products := make(map[string]map[string]bool)
	productIDs := make(map[string]map[int]bool)

	for _, f := range findings {
		p, ok := ProductOf(f, names)
		if !ok {
			continue
		}
		if len(requiredIDs) > 0 && !requiredIDs[p.ID] {
			continue
		}
		name := dict.Effective(f)
		if !component.Known(name) {
			continue
		}
		row, ok := byName[name]
		if !ok {
			row = &ComponentUsage{Component: name}
			byName[name] = row
			products[name] = make(map[string]bool)
			productIDs[name] = make(map[int]bool)
		}
		row.Total++
		switch f.Severity {
		case severity.Critical:
			row.Critical++
		case severity.High:
			row.High++
		}
		products[name][p.Name] = true
		productIDs[name][p.ID] = true
	}

	var rows []ComponentUsage
	for name, row := range byName {
		if len(requiredIDs) > 0 {
			if !containsAll(productIDs[name], requiredIDs) {
				continue
			}
		} else if len(products[name]) < minProducts {
			continue
		}
		row.Products = sortedKeys(products[name])
		row.ProductCount = len(row.Products)
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ProductCount != b.ProductCount {
			return a.ProductCount > b.ProductCount
		}
		if a.Critical != b.Critical {
			return a.Critical > b.Critical
		}
		if a.High != b.High {
			return a.High > b.High
		}
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Component < b.Component
	})
	return rows
}

// =============================================================================
// Tools, age and product risk
// =============================================================================

// ToolComparison groups findings by tool name with each tool's severity
// breakdown and most frequently affected known component. Ordered by count
// descending, then tool name.
func ToolComparison(findings []model.Finding, dict *component.Dictionary, names Namer) []ToolSummary {
	byTool := make(map[string]*ToolSummary)
	components := make(map[string]map[string]int)

	for _, f := range findings {
		tool, ok := ToolOf(f, names)
		if !ok {
			continue
		}
		row, ok := byTool[tool]
		if !ok {
			row = &ToolSummary{Tool: tool}
			byTool[tool] = row
			components[tool] = make(map[string]int)
		}
		row.Count++
		row.Severity.Add(f.Severity)
		if c := dict.Effective(f); component.Known(c) {
			components[tool][c]++
		}
	}

	rows := make([]ToolSummary, 0, len(byTool))
	for tool, row := range byTool {
		for c, n := range components[tool] {
			if n > row.TopComponentCount || (n == row.TopComponentCount && c < row.TopComponent) {
				row.TopComponent, row.TopComponentCount = c, n
			}
		}
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Tool < rows[j].Tool
	})
	return rows
}

// VulnerabilityAge orders findings oldest first (ties by id). Findings
// without a date are left out. limit <= 0 returns all.
func VulnerabilityAge(findings []model.Finding, names Namer, now time.Time, limit int) []AgedFinding {
	rows := make([]AgedFinding, 0, len(findings))
	for _, f := range findings {
		if f.Date.IsZero() {
			continue
		}
		row := AgedFinding{
			ID:       f.ID,
			Title:    f.Title,
			Severity: f.Severity,
			Date:     f.Date,
			AgeDays:  int(now.Sub(f.Date).Hours() / 24),
			CVE:      f.CVEString(),
		}
		if p, ok := ProductOf(f, names); ok {
			row.Product = p.Name
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].ID < rows[j].ID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// ProductRiskRanking sums CVSS per product and ranks by risk score, then
// critical count (both descending), then name.
func ProductRiskRanking(findings []model.Finding, names Namer) []ProductRisk {
	byName := make(map[string]*ProductRisk)
	var total float64
	for _, f := range findings {
		total += f.CVSSScore
		p, ok := ProductOf(f, names)
		if !ok {
			continue
		}
		row, ok := byName[p.Name]
		if !ok {
			row = &ProductRisk{Product: p.Name}
			byName[p.Name] = row
		}
		row.Count++
		row.Severity.Add(f.Severity)
		row.RiskScore += f.CVSSScore
	}

	rows := make([]ProductRisk, 0, len(byName))
	for _, row := range byName {
		row.AverageCVSS = round1(row.RiskScore / float64(row.Count))
		row.RiskSharePercent = share(row.RiskScore, total)
		row.RiskScore = round1(row.RiskScore)
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		if a.Severity.Critical != b.Severity.Critical {
			return a.Severity.Critical > b.Severity.Critical
		}
		return a.Product < b.Product
	})
	return rows
}

// =============================================================================
// Filters and helpers
// =============================================================================

// FilterProducts keeps findings of the given products, matched by id. An
// empty list keeps everything.
func FilterProducts(findings []model.Finding, products []model.Product) []model.Finding {
	if len(products) == 0 {
		return findings
	}
	ids := make(map[int]bool, len(products))
	for _, p := range products {
		ids[p.ID] = true
	}
	var out []model.Finding
	for _, f := range findings {
		if id, ok := productIDOf(f); ok && ids[id] {
			out = append(out, f)
		}
	}
	return out
}

// FilterSeverities keeps findings with one of the given severities. An empty
// list keeps everything.
func FilterSeverities(findings []model.Finding, levels []severity.Level) []model.Finding {
	if len(levels) == 0 {
		return findings
	}
	want := make(map[severity.Level]bool, len(levels))
	for _, l := range levels {
		want[l] = true
	}
	var out []model.Finding
	for _, f := range findings {
		if want[f.Severity] {
			out = append(out, f)
		}
	}
	return out
}

func share(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	pct := round1(part / total * 100)
	return math.Max(0, math.Min(100, pct))
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsAll(have map[int]bool, want map[int]bool) bool {
	for id := range want {
		if !have[id] {
			return false
		}
	}
	return true
}
