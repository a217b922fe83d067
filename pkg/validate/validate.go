// Package validate decodes raw upstream finding records into model.Finding.
//
// Decoding is strict: every field is checked for its expected JSON shape and
// a record that fails is reported as a *RecordError with per-field
// diagnostics. A bad record never fails the batch it arrived in.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"

	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/paginate"
	"github.com/exploopio/insight/pkg/severity"
)

// =============================================================================
// Errors
// =============================================================================

// FieldError describes one offending field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// RecordError reports a record that failed validation.
type RecordError struct {
	// ID is the record's id as it appeared upstream, or "" when missing.
	ID     string       `json:"id"`
	Fields []FieldError `json:"fields"`
}

func (e *RecordError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	id := e.ID
	if id == "" {
		id = "?"
	}
	return fmt.Sprintf("invalid finding %s: %s", id, strings.Join(parts, "; "))
}

// ErrorKind implements errors.Kinded.
func (e *RecordError) ErrorKind() inserrors.Kind {
	return inserrors.KindValidation
}

func (e *RecordError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// =============================================================================
// Validator
// =============================================================================

// Validator turns raw records into findings. The zero value validates
// without expanding bare references.
type Validator struct {
	prefetch paginate.Prefetch
	logger   core.Logger
}

// New creates a validator that expands bare test, engagement, product and
// test type references through the given prefetch side tables.
func New(prefetch paginate.Prefetch, logger core.Logger) *Validator {
	return &Validator{prefetch: prefetch, logger: core.ComponentLogger(logger, "validate")}
}

// Validate decodes a single raw record with no prefetch expansion.
func Validate(raw json.RawMessage) (model.Finding, error) {
	var v Validator
	return v.Validate(raw)
}

// Batch validates every record, keeping the good ones in input order.
func (v *Validator) Batch(raws []json.RawMessage) ([]model.Finding, []*RecordError) {
	findings := make([]model.Finding, 0, len(raws))
	var rejected []*RecordError
	for _, raw := range raws {
		f, err := v.Validate(raw)
		if err != nil {
			re, ok := err.(*RecordError)
			if !ok {
				re = &RecordError{Fields: []FieldError{{Field: "record", Reason: err.Error()}}}
			}
			rejected = append(rejected, re)
			if v.logger != nil {
				v.logger.Debug("dropping record: %v", re)
			}
			continue
		}
		findings = append(findings, f)
	}
	return findings, rejected
}

// Validate decodes raw into a Finding, or returns a *RecordError.
func (v *Validator) Validate(raw json.RawMessage) (model.Finding, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return model.Finding{}, &RecordError{Fields: []FieldError{{Field: "record", Reason: "not a JSON object"}}}
	}

	var f model.Finding
	re := &RecordError{}

	// id
	if r, ok := present(obj, "id"); !ok {
		re.add("id", "required")
	} else {
		re.ID = strings.Trim(string(r), `"`)
		id, err := decodeInt(r)
		if err != nil {
			re.add("id", "%v", err)
		}
		f.ID = id
	}

	// title
	if r, ok := present(obj, "title"); !ok {
		re.add("title", "required")
	} else if err := json.Unmarshal(r, &f.Title); err != nil {
		re.add("title", "expected string")
	}

	// severity: kept verbatim when outside the enumeration so that histograms
	// can skip it.
	if r, ok := present(obj, "severity"); !ok {
		re.add("severity", "required")
	} else {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			re.add("severity", "expected string")
		} else if lvl, ok := severity.Parse(s); ok {
			f.Severity = lvl
		} else {
			f.Severity = severity.Level(s)
		}
	}

	f.Description = optString(obj, "description", re)
	if s, ok := optStringPtr(obj, "mitigation", re); ok {
		f.Mitigation = s
	}
	f.Active = optBool(obj, "active", re)
	f.Duplicate = optBool(obj, "duplicate", re)

	if r, ok := present(obj, "cwe"); ok {
		cwe, err := decodeInt(r)
		if err != nil {
			re.add("cwe", "%v", err)
		} else {
			f.CWE = &cwe
		}
	}

	f.CVE = extractCVE(obj, re)
	f.CVSSScore, f.CVSSVector = extractCVSS(obj)

	if s, ok := optStringPtr(obj, "component_name", re); ok && s != nil && strings.TrimSpace(*s) != "" {
		f.ComponentName = s
	}

	if d, ok := extractDate(obj, re); ok {
		f.Date = d
	}

	if r, ok := present(obj, "test"); ok {
		ref, err := v.testRef(r)
		if err != nil {
			re.add("test", "%v", err)
		} else {
			f.Test = ref
		}
	}

	if len(re.Fields) > 0 {
		return model.Finding{}, re
	}
	return f, nil
}

// =============================================================================
// References
// =============================================================================

type rawTest struct {
	ID           int             `json:"id"`
	TestType     json.RawMessage `json:"test_type"`
	TestTypeName string          `json:"test_type_name"`
	Engagement   json.RawMessage `json:"engagement"`
}

type rawEngagement struct {
	ID      int             `json:"id"`
	Name    string          `json:"name"`
	Product json.RawMessage `json:"product"`
}

func (v *Validator) testRef(r json.RawMessage) (model.TestRef, error) {
	if isNumber(r) {
		id, err := decodeInt(r)
		if err != nil {
			return nil, err
		}
		expanded, ok := v.prefetch.Lookup("test", id)
		if !ok {
			return model.TestID(id), nil
		}
		r = expanded
	}
	var rt rawTest
	if err := json.Unmarshal(r, &rt); err != nil {
		return nil, fmt.Errorf("expected id or object")
	}
	t := model.TestRun{ID: rt.ID, ToolName: rt.TestTypeName}

	if len(rt.TestType) > 0 && !isNull(rt.TestType) {
		tt, err := v.toolTypeRef(rt.TestType)
		if err != nil {
			return nil, fmt.Errorf("test_type: %v", err)
		}
		t.ToolType = tt
	}
	if len(rt.Engagement) > 0 && !isNull(rt.Engagement) {
		e, err := v.engagementRef(rt.Engagement)
		if err != nil {
			return nil, fmt.Errorf("engagement: %v", err)
		}
		t.Engagement = e
	}
	return model.ExpandedTest{TestRun: t}, nil
}

func (v *Validator) toolTypeRef(r json.RawMessage) (model.ToolTypeRef, error) {
	if isNumber(r) {
		id, err := decodeInt(r)
		if err != nil {
			return nil, err
		}
		expanded, ok := v.prefetch.Lookup("test_type", id)
		if !ok {
			return model.ToolTypeID(id), nil
		}
		r = expanded
	}
	var tt model.ToolType
	if err := json.Unmarshal(r, &tt); err != nil {
		return nil, fmt.Errorf("expected id or object")
	}
	return model.ExpandedToolType{ToolType: tt}, nil
}

func (v *Validator) engagementRef(r json.RawMessage) (model.EngagementRef, error) {
	if isNumber(r) {
		id, err := decodeInt(r)
		if err != nil {
			return nil, err
		}
		expanded, ok := v.prefetch.Lookup("engagement", id)
		if !ok {
			return model.EngagementID(id), nil
		}
		r = expanded
	}
	var re rawEngagement
	if err := json.Unmarshal(r, &re); err != nil {
		return nil, fmt.Errorf("expected id or object")
	}
	e := model.Engagement{ID: re.ID, Name: re.Name}
	if len(re.Product) > 0 && !isNull(re.Product) {
		p, err := v.productRef(re.Product)
		if err != nil {
			return nil, fmt.Errorf("product: %v", err)
		}
		e.Product = p
	}
	return model.ExpandedEngagement{Engagement: e}, nil
}

func (v *Validator) productRef(r json.RawMessage) (model.ProductRef, error) {
	if isNumber(r) {
		id, err := decodeInt(r)
		if err != nil {
			return nil, err
		}
		expanded, ok := v.prefetch.Lookup("product", id)
		if !ok {
			return model.ProductID(id), nil
		}
		r = expanded
	}
	var p model.Product
	if err := json.Unmarshal(r, &p); err != nil {
		return nil, fmt.Errorf("expected id or object")
	}
	return model.ExpandedProduct{Product: p}, nil
}

// =============================================================================
// Field helpers
// =============================================================================

// present returns the raw value of key when it exists and is not null.
func present(obj map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	r, ok := obj[key]
	if !ok || isNull(r) {
		return nil, false
	}
	return r, true
}

func isNull(r json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(r), []byte("null"))
}

func isNumber(r json.RawMessage) bool {
	t := bytes.TrimSpace(r)
	return len(t) > 0 && (t[0] == '-' || (t[0] >= '0' && t[0] <= '9'))
}

func decodeInt(r json.RawMessage) (int, error) {
	var n json.Number
	if err := json.Unmarshal(r, &n); err != nil {
		return 0, fmt.Errorf("expected integer")
	}
	i, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %s", n)
	}
	return i, nil
}

func optString(obj map[string]json.RawMessage, key string, re *RecordError) string {
	s, _ := optStringPtr(obj, key, re)
	if s == nil {
		return ""
	}
	return *s
}

func optStringPtr(obj map[string]json.RawMessage, key string, re *RecordError) (*string, bool) {
	r, ok := present(obj, key)
	if !ok {
		return nil, true
	}
	var s string
	if err := json.Unmarshal(r, &s); err != nil {
		re.add(key, "expected string")
		return nil, false
	}
	return &s, true
}

func optBool(obj map[string]json.RawMessage, key string, re *RecordError) bool {
	r, ok := present(obj, key)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(r, &b); err != nil {
		re.add(key, "expected boolean")
	}
	return b
}

var dateLayouts = []string{"2006-01-02", time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"}

func extractDate(obj map[string]json.RawMessage, re *RecordError) (time.Time, bool) {
	for _, key := range []string{"date", "created"} {
		r, ok := present(obj, key)
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			re.add(key, "expected date string")
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		re.add(key, "unparseable date %q", s)
		return time.Time{}, false
	}
	return time.Time{}, false
}

func extractCVE(obj map[string]json.RawMessage, re *RecordError) *string {
	if s, ok := optStringPtr(obj, "cve", re); ok && s != nil && *s != "" {
		return s
	}
	r, ok := present(obj, "vulnerability_ids")
	if !ok {
		return nil
	}
	var ids []struct {
		VulnerabilityID string `json:"vulnerability_id"`
	}
	if err := json.Unmarshal(r, &ids); err != nil {
		return nil
	}
	for _, id := range ids {
		if strings.HasPrefix(strings.ToUpper(id.VulnerabilityID), "CVE-") {
			s := id.VulnerabilityID
			return &s
		}
	}
	return nil
}

var cvssScoreKeys = []string{"cvssv3_score", "cvss_score", "cvssv4_score"}
var cvssVectorKeys = []string{"cvssv3", "cvssv4", "cvss_vector"}

// extractCVSS normalizes the score to a float. Scores may arrive as numbers
// or strings; when none parses, the base score is computed from a vector.
// Anything else yields 0.
func extractCVSS(obj map[string]json.RawMessage) (float64, string) {
	var vector string
	for _, key := range cvssVectorKeys {
		if r, ok := present(obj, key); ok {
			var s string
			if json.Unmarshal(r, &s) == nil && s != "" {
				vector = s
				break
			}
		}
	}

	for _, key := range cvssScoreKeys {
		r, ok := present(obj, key)
		if !ok {
			continue
		}
		if score, ok := parseScore(r); ok {
			return score, vector
		}
	}
	return ScoreFromVector(vector), vector
}

func parseScore(r json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(r, &n); err == nil {
		return n, validScore(n)
	}
	var s string
	if err := json.Unmarshal(r, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return n, validScore(n)
}

func validScore(n float64) bool {
	return n >= 0 && n <= 10
}

// ScoreFromVector computes the base score of a CVSS 3.0, 3.1 or 4.0 vector.
// It returns 0 for anything it cannot parse.
func ScoreFromVector(vector string) float64 {
	switch {
	case strings.HasPrefix(vector, "CVSS:3.0/"):
		if v, err := gocvss30.ParseVector(vector); err == nil {
			return v.BaseScore()
		}
	case strings.HasPrefix(vector, "CVSS:3.1/"):
		if v, err := gocvss31.ParseVector(vector); err == nil {
			return v.BaseScore()
		}
	case strings.HasPrefix(vector, "CVSS:4.0/"):
		if v, err := gocvss40.ParseVector(vector); err == nil {
			return v.Score()
		}
	}
	return 0
}
