package mocks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record is a raw upstream JSON object.
type Record = map[string]any

// =============================================================================
// Fake tracker
// =============================================================================

// Upstream is an httptest-backed fake of the tracker's v2 REST API. It
// serves findings, products and test types with offset pagination and the
// filters the engine uses, and counts the calls per path.
type Upstream struct {
	Server *httptest.Server

	mu        sync.Mutex
	pageSize  int
	apiKey    string
	delay     time.Duration
	failWith  int
	findings  []Record
	products  []Record
	testTypes []Record
	prefetch  map[string]map[string]Record
	calls     map[string]int
	queries   []url.Values
}

// NewUpstream starts a fake tracker. Close it when done.
func NewUpstream() *Upstream {
	u := &Upstream{
		pageSize: 25,
		calls:    make(map[string]int),
		prefetch: make(map[string]map[string]Record),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/findings/", u.handleFindings)
	mux.HandleFunc("/api/v2/products/", u.handleNamed(func() []Record { return u.products }))
	mux.HandleFunc("/api/v2/test_types/", u.handleNamed(func() []Record { return u.testTypes }))
	u.Server = httptest.NewServer(u.wrap(mux))
	return u
}

// URL returns the base URL of the fake.
func (u *Upstream) URL() string { return u.Server.URL }

// Close shuts the server down.
func (u *Upstream) Close() { u.Server.Close() }

// SetPageSize sets the default page size when a request carries no limit.
func (u *Upstream) SetPageSize(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pageSize = n
}

// RequireAPIKey makes the fake answer 401 unless the request carries key.
func (u *Upstream) RequireAPIKey(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.apiKey = key
}

// SetDelay makes every response wait d before being written.
func (u *Upstream) SetDelay(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.delay = d
}

// FailWith makes every request answer status (0 restores normal service).
func (u *Upstream) FailWith(status int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failWith = status
}

// AddFindings appends raw finding records.
func (u *Upstream) AddFindings(recs ...Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.findings = append(u.findings, recs...)
}

// SetFindings replaces all raw finding records.
func (u *Upstream) SetFindings(recs ...Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.findings = append([]Record(nil), recs...)
}

// AddProducts registers products returned by /api/v2/products/.
func (u *Upstream) AddProducts(recs ...Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.products = append(u.products, recs...)
}

// AddTestTypes registers tool types returned by /api/v2/test_types/.
func (u *Upstream) AddTestTypes(recs ...Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.testTypes = append(u.testTypes, recs...)
}

// AddPrefetch adds an entity to the prefetch side table for kind.
func (u *Upstream) AddPrefetch(kind string, id int, rec Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	table, ok := u.prefetch[kind]
	if !ok {
		table = make(map[string]Record)
		u.prefetch[kind] = table
	}
	table[strconv.Itoa(id)] = rec
}

// Calls returns how many requests hit path.
func (u *Upstream) Calls(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[path]
}

// TotalCalls returns the number of requests served.
func (u *Upstream) TotalCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.calls {
		n += c
	}
	return n
}

// Queries returns the query strings of every request in arrival order.
func (u *Upstream) Queries() []url.Values {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]url.Values(nil), u.queries...)
}

func (u *Upstream) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.calls[r.URL.Path]++
		u.queries = append(u.queries, r.URL.Query())
		delay, failWith, apiKey := u.delay, u.failWith, u.apiKey
		u.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if failWith != 0 {
			http.Error(w, `{"detail":"upstream failure"}`, failWith)
			return
		}
		if apiKey != "" && !strings.HasSuffix(r.Header.Get("Authorization"), " "+apiKey) {
			http.Error(w, `{"detail":"Invalid token."}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (u *Upstream) handleFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	u.mu.Lock()
	var matched []Record
	for _, rec := range u.findings {
		if matchFinding(rec, q) {
			matched = append(matched, rec)
		}
	}
	var prefetch map[string]map[string]Record
	if q.Get("prefetch") != "" {
		prefetch = u.prefetch
	}
	pageSize := u.pageSize
	u.mu.Unlock()

	u.writePage(w, r, matched, prefetch, pageSize)
}

func (u *Upstream) handleNamed(list func() []Record) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		u.mu.Lock()
		var matched []Record
		for _, rec := range list() {
			name, _ := rec["name"].(string)
			if s := q.Get("name__icontains"); s != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(s)) {
				continue
			}
			if s := q.Get("name"); s != "" && name != s {
				continue
			}
			if s := q.Get("id"); s != "" && fmt.Sprint(rec["id"]) != s {
				continue
			}
			matched = append(matched, rec)
		}
		pageSize := u.pageSize
		u.mu.Unlock()

		u.writePage(w, r, matched, nil, pageSize)
	}
}

func (u *Upstream) writePage(w http.ResponseWriter, r *http.Request, recs []Record, prefetch map[string]map[string]Record, pageSize int) {
	q := r.URL.Query()
	limit := pageSize
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	end := offset + limit
	if end > len(recs) {
		end = len(recs)
	}
	results := []Record{}
	if offset < len(recs) {
		results = recs[offset:end]
	}

	var next any
	if end < len(recs) {
		nq := url.Values{}
		for k, v := range q {
			nq[k] = v
		}
		nq.Set("limit", strconv.Itoa(limit))
		nq.Set("offset", strconv.Itoa(end))
		next = u.Server.URL + r.URL.Path + "?" + nq.Encode()
	}

	body := Record{
		"count":    len(recs),
		"next":     next,
		"previous": nil,
		"results":  results,
	}
	if prefetch != nil {
		body["prefetch"] = prefetch
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func matchFinding(rec Record, q url.Values) bool {
	if v := q.Get("active"); v != "" && fmt.Sprint(rec["active"]) != v {
		return false
	}
	if v := q.Get("duplicate"); v != "" && fmt.Sprint(rec["duplicate"]) != v {
		return false
	}
	if v := q.Get("severity"); v != "" && !strings.EqualFold(fmt.Sprint(rec["severity"]), v) {
		return false
	}
	if v := q.Get("cve"); v != "" && fmt.Sprint(rec["cve"]) != v {
		return false
	}
	if v := q.Get("component_name"); v != "" && fmt.Sprint(rec["component_name"]) != v {
		return false
	}
	if v := q.Get("test__engagement__product"); v != "" && productIDOf(rec) != v {
		return false
	}
	if v := q.Get("test__test_type"); v != "" && toolTypeIDOf(rec) != v {
		return false
	}
	return true
}

func productIDOf(rec Record) string {
	test, _ := rec["test"].(Record)
	eng, _ := test["engagement"].(Record)
	switch p := eng["product"].(type) {
	case Record:
		return fmt.Sprint(p["id"])
	case nil:
		return ""
	default:
		return fmt.Sprint(p)
	}
}

func toolTypeIDOf(rec Record) string {
	test, _ := rec["test"].(Record)
	switch tt := test["test_type"].(type) {
	case Record:
		return fmt.Sprint(tt["id"])
	case nil:
		return ""
	default:
		return fmt.Sprint(tt)
	}
}

// =============================================================================
// Record builders
// =============================================================================

// Product builds a raw product record.
func Product(id int, name string) Record {
	return Record{"id": id, "name": name}
}

// TestType builds a raw test type record.
func TestType(id int, name string) Record {
	return Record{"id": id, "name": name}
}

// Finding builds an active, non-duplicate raw finding whose test, engagement
// and product are expanded inline. Test and engagement ids are derived from
// the product id.
func Finding(id int, title, severity string, productID int, productName, tool string) Record {
	return Record{
		"id":           id,
		"title":        title,
		"severity":     severity,
		"description":  "",
		"mitigation":   nil,
		"active":       true,
		"duplicate":    false,
		"cwe":          nil,
		"cve":          nil,
		"cvssv3_score": nil,
		"date":         "2024-01-15",
		"test": Record{
			"id":        productID*100 + 1,
			"test_type": Record{"id": toolID(tool), "name": tool},
			"engagement": Record{
				"id":      productID*10 + 1,
				"name":    "engagement",
				"product": Record{"id": productID, "name": productName},
			},
		},
	}
}

func toolID(name string) int {
	h := 0
	for _, r := range name {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return h%1000 + 1
}

// With returns a copy of rec with the given fields overridden.
func With(rec Record, kv ...any) Record {
	out := make(Record, len(rec)+len(kv)/2)
	for k, v := range rec {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}
