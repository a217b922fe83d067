// Package model defines the upstream entities the engine works with.
//
// Related entities arrive from the tracker either expanded inline or as a bare
// numeric reference. Those fields are modelled as small sealed interfaces with
// exactly two implementations (ExpandedX and XID) so that every consumer has to
// type-switch on the shape instead of assuming one.
package model

import (
	"time"

	"github.com/exploopio/insight/pkg/severity"
)

// UnknownComponent tags findings whose component could not be determined.
const UnknownComponent = "unknown"

// Product is a tracked product.
type Product struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ToolType is the scanner/tool that produced a test run.
type ToolType struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Engagement groups test runs under a product.
type Engagement struct {
	ID      int        `json:"id"`
	Name    string     `json:"name"`
	Product ProductRef `json:"-"`
}

// TestRun is a single scanner execution.
type TestRun struct {
	ID         int           `json:"id"`
	ToolType   ToolTypeRef   `json:"-"`
	ToolName   string        `json:"tool_name,omitempty"`
	Engagement EngagementRef `json:"-"`
}

// Finding is a single reported vulnerability instance.
type Finding struct {
	ID            int            `json:"id"`
	Title         string         `json:"title"`
	Severity      severity.Level `json:"severity"`
	Description   string         `json:"description"`
	Mitigation    *string        `json:"mitigation,omitempty"`
	Active        bool           `json:"active"`
	Duplicate     bool           `json:"duplicate"`
	CWE           *int           `json:"cwe,omitempty"`
	CVE           *string        `json:"cve,omitempty"`
	CVSSScore     float64        `json:"cvss_score"`
	CVSSVector    string         `json:"cvss_vector,omitempty"`
	Test          TestRef        `json:"-"`
	ComponentName *string        `json:"component_name,omitempty"`
	Date          time.Time      `json:"date"`
}

// ProductRef is either an ExpandedProduct or a ProductID.
type ProductRef interface{ productRef() }

// ExpandedProduct is a product embedded in its parent record.
type ExpandedProduct struct{ Product }

// ProductID is a bare product identifier.
type ProductID int

func (ExpandedProduct) productRef() {}
func (ProductID) productRef()       {}

// EngagementRef is either an ExpandedEngagement or an EngagementID.
type EngagementRef interface{ engagementRef() }

// ExpandedEngagement is an engagement embedded in its parent record.
type ExpandedEngagement struct{ Engagement }

// EngagementID is a bare engagement identifier.
type EngagementID int

func (ExpandedEngagement) engagementRef() {}
func (EngagementID) engagementRef()       {}

// TestRef is either an ExpandedTest or a TestID.
type TestRef interface{ testRef() }

// ExpandedTest is a test run embedded in its parent record.
type ExpandedTest struct{ TestRun }

// TestID is a bare test run identifier.
type TestID int

func (ExpandedTest) testRef() {}
func (TestID) testRef()       {}

// ToolTypeRef is either an ExpandedToolType or a ToolTypeID.
type ToolTypeRef interface{ toolTypeRef() }

// ExpandedToolType is a tool type embedded in its parent record.
type ExpandedToolType struct{ ToolType }

// ToolTypeID is a bare tool type identifier.
type ToolTypeID int

func (ExpandedToolType) toolTypeRef() {}
func (ToolTypeID) toolTypeRef()       {}

// ProductOf walks test -> engagement -> product and returns whatever the
// record carries: the expanded product, or only its identifier. ok is false
// when the chain is broken before a product reference is reached.
func (f Finding) ProductOf() (ref ProductRef, ok bool) {
	t, ok := f.Test.(ExpandedTest)
	if !ok {
		return nil, false
	}
	e, ok := t.Engagement.(ExpandedEngagement)
	if !ok {
		return nil, false
	}
	switch p := e.Product.(type) {
	case ExpandedProduct:
		return p, true
	case ProductID:
		return p, true
	default:
		return nil, false
	}
}

// ToolName returns the tool name from the expanded test run, if any.
func (f Finding) ToolName() (string, bool) {
	t, ok := f.Test.(ExpandedTest)
	if !ok {
		return "", false
	}
	switch tt := t.ToolType.(type) {
	case ExpandedToolType:
		if tt.Name != "" {
			return tt.Name, true
		}
	case ToolTypeID:
	}
	if t.ToolName != "" {
		return t.ToolName, true
	}
	return "", false
}

// ToolTypeIDOf returns the tool type identifier carried by the test run.
func (f Finding) ToolTypeIDOf() (int, bool) {
	t, ok := f.Test.(ExpandedTest)
	if !ok {
		return 0, false
	}
	switch tt := t.ToolType.(type) {
	case ExpandedToolType:
		return tt.ID, true
	case ToolTypeID:
		return int(tt), true
	default:
		return 0, false
	}
}

// CVEString returns the CVE or "".
func (f Finding) CVEString() string {
	if f.CVE == nil {
		return ""
	}
	return *f.CVE
}

// Component returns the upstream component name or "".
func (f Finding) Component() string {
	if f.ComponentName == nil {
		return ""
	}
	return *f.ComponentName
}
