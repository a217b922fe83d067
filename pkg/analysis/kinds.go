package analysis

import (
	"strconv"
	"strings"

	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/severity"
)

// Kind names one of the supported analyses.
type Kind string

const (
	KindComponentRisk     Kind = "component_risk"
	KindToolComparison    Kind = "tool_comparison"
	KindVulnerabilityAge  Kind = "vulnerability_age"
	KindCrossProductUsage Kind = "cross_product_component_usage"
	KindProductRisk       Kind = "product_risk"
)

// DefaultLimit caps analysis rows when the request sets no limit.
const DefaultLimit = 10

// AllKinds returns the supported analyses in a stable order.
func AllKinds() []Kind {
	return []Kind{KindComponentRisk, KindToolComparison, KindVulnerabilityAge, KindCrossProductUsage, KindProductRisk}
}

// ParseKind maps a wire name onto a Kind. Unknown names yield an
// ErrUnsupportedAnalysis-kind error that lists the supported analyses.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds() {
		if k == known {
			return k, nil
		}
	}
	names := make([]string, 0, len(AllKinds()))
	for _, known := range AllKinds() {
		names = append(names, string(known))
	}
	return "", inserrors.E(inserrors.KindUnsupported, "analysis.ParseKind",
		"unsupported analysis type "+strconv.Quote(s)+"; supported: "+strings.Join(names, ", "),
		inserrors.ErrUnsupportedAnalysis)
}

// Scope narrows the findings an analysis looks at.
type Scope struct {
	// Products restricts input to these products. For cross-product usage it
	// also switches to "present in every product" semantics.
	Products   []model.Product
	Severities []severity.Level
	// Limit caps result rows; <= 0 means DefaultLimit.
	Limit int
}

func (s Scope) limit() int {
	if s.Limit <= 0 {
		return DefaultLimit
	}
	return s.Limit
}

// Request is one of the typed analysis requests below.
type Request interface {
	Kind() Kind
	scope() Scope
}

type (
	ComponentRiskRequest     struct{ Scope }
	ToolComparisonRequest    struct{ Scope }
	VulnerabilityAgeRequest  struct{ Scope }
	CrossProductUsageRequest struct{ Scope }
	ProductRiskRequest       struct{ Scope }
)

func (ComponentRiskRequest) Kind() Kind     { return KindComponentRisk }
func (ToolComparisonRequest) Kind() Kind    { return KindToolComparison }
func (VulnerabilityAgeRequest) Kind() Kind  { return KindVulnerabilityAge }
func (CrossProductUsageRequest) Kind() Kind { return KindCrossProductUsage }
func (ProductRiskRequest) Kind() Kind       { return KindProductRisk }

func (r ComponentRiskRequest) scope() Scope     { return r.Scope }
func (r ToolComparisonRequest) scope() Scope    { return r.Scope }
func (r VulnerabilityAgeRequest) scope() Scope  { return r.Scope }
func (r CrossProductUsageRequest) scope() Scope { return r.Scope }
func (r ProductRiskRequest) scope() Scope       { return r.Scope }

// NewRequest builds the typed request for k.
func NewRequest(k Kind, s Scope) (Request, error) {
	switch k {
	case KindComponentRisk:
		return ComponentRiskRequest{s}, nil
	case KindToolComparison:
		return ToolComparisonRequest{s}, nil
	case KindVulnerabilityAge:
		return VulnerabilityAgeRequest{s}, nil
	case KindCrossProductUsage:
		return CrossProductUsageRequest{s}, nil
	case KindProductRisk:
		return ProductRiskRequest{s}, nil
	default:
		_, err := ParseKind(string(k))
		return nil, err
	}
}

// Result is one of the typed analysis results below.
type Result interface {
	Kind() Kind
	// Empty reports whether the analysis found nothing to report.
	Empty() bool
}

// ToolComparisonResult groups findings per tool.
type ToolComparisonResult struct {
	Tools []ToolSummary `json:"tools"`
}

// VulnerabilityAgeResult lists the oldest findings first.
type VulnerabilityAgeResult struct {
	Findings []AgedFinding `json:"findings"`
}

// CrossProductUsageResult lists components shared between products.
type CrossProductUsageResult struct {
	Components []ComponentUsage `json:"components"`
	// RequiredProducts is set when the caller asked for components present
	// in every one of these products.
	RequiredProducts []string `json:"required_products,omitempty"`
}

// ProductRiskResult ranks products by CVSS-weighted risk.
type ProductRiskResult struct {
	Products  []ProductRisk `json:"products"`
	TotalRisk float64       `json:"total_risk"`
}

func (ComponentRiskResult) Kind() Kind     { return KindComponentRisk }
func (ToolComparisonResult) Kind() Kind    { return KindToolComparison }
func (VulnerabilityAgeResult) Kind() Kind  { return KindVulnerabilityAge }
func (CrossProductUsageResult) Kind() Kind { return KindCrossProductUsage }
func (ProductRiskResult) Kind() Kind       { return KindProductRisk }

func (r ComponentRiskResult) Empty() bool     { return len(r.Components) == 0 }
func (r ToolComparisonResult) Empty() bool    { return len(r.Tools) == 0 }
func (r VulnerabilityAgeResult) Empty() bool  { return len(r.Findings) == 0 }
func (r CrossProductUsageResult) Empty() bool { return len(r.Components) == 0 }
func (r ProductRiskResult) Empty() bool       { return len(r.Products) == 0 }
