// Package severity defines the closed five-value severity enumeration used by
// the upstream tracker and the histogram built on top of it.
package severity

import "strings"

// Level represents a severity level for a finding.
type Level string

const (
	// Critical - Immediate action required.
	Critical Level = "Critical"

	// High - Serious vulnerability that should be addressed urgently.
	High Level = "High"

	// Medium - Moderate risk.
	Medium Level = "Medium"

	// Low - Minor issue.
	Low Level = "Low"

	// Info - Informational finding.
	Info Level = "Info"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{Critical, High, Medium, Low, Info}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Valid reports whether l is one of the five recognised levels.
func (l Level) Valid() bool {
	return l.Priority() > 0
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority; unrecognised values are 0.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// Parse maps s onto a Level, ignoring case and surrounding whitespace.
// Anything outside the five names is reported as unrecognised; no aliasing
// ("moderate", "warning") is done because the upstream enum is closed.
func Parse(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical, true
	case "high":
		return High, true
	case "medium":
		return Medium, true
	case "low":
		return Low, true
	case "info":
		return Info, true
	default:
		return Level(s), false
	}
}

// Histogram counts findings per severity across the five-value enumeration.
type Histogram struct {
	Critical int `json:"Critical"`
	High     int `json:"High"`
	Medium   int `json:"Medium"`
	Low      int `json:"Low"`
	Info     int `json:"Info"`
}

// Add increments the bucket for level. Unrecognised levels are skipped and
// Add reports false.
func (h *Histogram) Add(level Level) bool {
	switch level {
	case Critical:
		h.Critical++
	case High:
		h.High++
	case Medium:
		h.Medium++
	case Low:
		h.Low++
	case Info:
		h.Info++
	default:
		return false
	}
	return true
}

// Set stores n in the bucket for level.
func (h *Histogram) Set(level Level, n int) {
	switch level {
	case Critical:
		h.Critical = n
	case High:
		h.High = n
	case Medium:
		h.Medium = n
	case Low:
		h.Low = n
	case Info:
		h.Info = n
	}
}

// Get returns the count for level.
func (h Histogram) Get(level Level) int {
	switch level {
	case Critical:
		return h.Critical
	case High:
		return h.High
	case Medium:
		return h.Medium
	case Low:
		return h.Low
	case Info:
		return h.Info
	default:
		return 0
	}
}

// Total returns the sum of all five buckets.
func (h Histogram) Total() int {
	return h.Critical + h.High + h.Medium + h.Low + h.Info
}

// Highest returns the highest level with a non-zero count, or "" if empty.
func (h Histogram) Highest() Level {
	for _, l := range AllLevels() {
		if h.Get(l) > 0 {
			return l
		}
	}
	return ""
}
