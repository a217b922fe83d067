package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/exploopio/insight/pkg/client"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/mocks"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"MCLS", "mcls"},
		{" Payments-API ", "paymentsapi"},
		{"payments_api", "paymentsapi"},
		{"Payments \t API", "paymentsapi"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	if len(table.Products) == 0 || len(table.Tools) == 0 {
		t.Fatal("default table is empty")
	}
	found := false
	for _, p := range table.Products {
		if p.Name == "MCLS" {
			found = true
		}
	}
	if !found {
		t.Error("default table should contain MCLS")
	}
}

func TestParseTable_Invalid(t *testing.T) {
	if _, err := ParseTable([]byte("products: [{id: 1}]")); err == nil {
		t.Error("expected error for entry without a name")
	}
	if _, err := ParseTable([]byte("products: {")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestParseTable_KeepsDollarSigns(t *testing.T) {
	t.Setenv("SHOP", "expanded")
	table, err := ParseTable([]byte("products:\n  - id: 7\n    name: \"$SHOP Store\"\n    aliases: [\"${SHOP}-web\"]\n"))
	if err != nil {
		t.Fatalf("ParseTable() error = %v", err)
	}
	got := table.Products[0]
	if got.Name != "$SHOP Store" || got.Aliases[0] != "${SHOP}-web" {
		t.Errorf("ParseTable() = %+v, want names kept literally", got)
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	data := "products:\n  - id: 40\n    name: Billing\n    aliases: [invoicing]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable() error = %v", err)
	}
	r := New(DefaultTable().Merge(table), nil)
	p, err := r.ResolveProduct(context.Background(), "Invoicing")
	if err != nil || p.ID != 40 {
		t.Errorf("ResolveProduct() = %+v, %v, want id 40", p, err)
	}
}

func TestResolve_StaticStagesNeverCallNetwork(t *testing.T) {
	f := &mocks.MockFetcher{}
	m := metrics.NewInMemoryCollector()
	r := New(nil, f, WithMetrics(m))
	ctx := context.Background()

	tests := []struct {
		entity    Entity
		name      string
		wantName  string
		wantStage Stage
	}{
		{EntityProduct, "MCLS", "MCLS", StageStatic},
		{EntityProduct, "mcls", "MCLS", StageStatic},
		{EntityProduct, "payment_service", "Payments API", StageStatic},
		{EntityProduct, "1", "MCLS", StageID},
		{EntityTool, "trivy", "Trivy Scan", StageStatic},
		{EntityTool, "OWASP-ZAP", "ZAP Scan", StageStatic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, tt.entity, tt.name)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.Name != tt.wantName || res.Stage != tt.wantStage {
				t.Errorf("Resolve() = %+v, want %s via %s", res, tt.wantName, tt.wantStage)
			}
		})
	}

	if f.CallCount() != 0 {
		t.Errorf("network calls = %d, want 0", f.CallCount())
	}
	if got := m.GetCounter(metrics.ResolutionsTotal.Name, "entity", "product", "stage", "static"); got != 3 {
		t.Errorf("static product resolutions = %v, want 3", got)
	}
}

func TestResolve_UnknownFallsThroughAllStages(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	up.AddProducts(mocks.Product(77, "Something Else"))

	r := New(nil, client.New(&client.Config{BaseURL: up.URL()}))
	_, err := r.ResolveProduct(context.Background(), "totally-unknown-product-xyz")

	if !inserrors.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
	if !errors.Is(err, inserrors.ErrNotFound) {
		t.Error("errors.Is(err, ErrNotFound) = false")
	}
	if calls := up.Calls(client.ProductsPath); calls != 1 {
		t.Errorf("live lookups = %d, want 1", calls)
	}
	q := up.Queries()[0]
	if q.Get("name__icontains") != "totally-unknown-product-xyz" {
		t.Errorf("live query = %v", q)
	}
}

func TestResolve_LiveLookup(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	up.AddProducts(
		mocks.Product(90, "Checkout Frontend"),
		mocks.Product(91, "Checkout"),
	)
	up.AddTestTypes(mocks.TestType(120, "Acunetix Scan"))

	r := New(nil, client.New(&client.Config{BaseURL: up.URL()}))
	ctx := context.Background()

	res, err := r.Resolve(ctx, EntityProduct, "checkout")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.ID != 91 || res.Stage != StageLive {
		t.Errorf("Resolve() = %+v, want exact match id 91 via live", res)
	}

	res, err = r.Resolve(ctx, EntityProduct, "frontend")
	if err != nil || res.ID != 90 {
		t.Errorf("Resolve(frontend) = %+v, %v, want id 90", res, err)
	}

	tool, err := r.ResolveTool(ctx, "acunetix")
	if err != nil || tool.ID != 120 {
		t.Errorf("ResolveTool() = %+v, %v", tool, err)
	}

	if name, ok := r.ProductName(91); !ok || name != "Checkout" {
		t.Errorf("ProductName(91) = %q, %v, want learned name", name, ok)
	}
	if name, ok := r.ToolName(120); !ok || name != "Acunetix Scan" {
		t.Errorf("ToolName(120) = %q, %v", name, ok)
	}
}

func TestResolve_NumericLiveLookup(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	up.AddProducts(mocks.Product(300, "Legacy"))

	r := New(nil, client.New(&client.Config{BaseURL: up.URL()}))
	res, err := r.Resolve(context.Background(), EntityProduct, "300")
	if err != nil || res.Name != "Legacy" {
		t.Errorf("Resolve(300) = %+v, %v", res, err)
	}
	if q := up.Queries()[0]; q.Get("id") != "300" {
		t.Errorf("live query = %v, want id=300", q)
	}
}

func TestResolve_TransportErrorPropagates(t *testing.T) {
	f := &mocks.MockFetcher{
		FetchFn: func(ctx context.Context, endpoint string) (json.RawMessage, error) {
			return nil, &client.TransportError{StatusCode: 401, Body: `{"detail":"Invalid token."}`}
		},
	}
	r := New(nil, f)
	_, err := r.ResolveProduct(context.Background(), "not-in-table")
	if inserrors.IsNotFound(err) {
		t.Fatal("transport failure must not look like not found")
	}
	if !inserrors.IsAuthenticationError(err) {
		t.Errorf("error = %v, want authentication kind", err)
	}
}

func TestResolve_EmptyName(t *testing.T) {
	r := New(nil, nil)
	_, err := r.ResolveProduct(context.Background(), "   ")
	if inserrors.GetKind(err) != inserrors.KindInvalidInput {
		t.Errorf("error = %v, want invalid input", err)
	}
}

func TestResolve_NoFetcher(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.ResolveProduct(context.Background(), "nope"); !inserrors.IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestParseEntity(t *testing.T) {
	if e, ok := ParseEntity(" Product "); !ok || e != EntityProduct {
		t.Errorf("ParseEntity(product) = %v, %v", e, ok)
	}
	if _, ok := ParseEntity("engagement"); ok {
		t.Error("ParseEntity(engagement) should fail")
	}
}
