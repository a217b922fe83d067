package analysis

import (
	"github.com/exploopio/insight/pkg/model"
)

// Namer supplies names for entities that findings only reference by id.
// *resolve.Resolver implements it.
type Namer interface {
	ProductName(id int) (string, bool)
	ToolName(id int) (string, bool)
}

// ProductKey is a finding's resolved product.
type ProductKey struct {
	ID   int
	Name string
}

// ProductOf resolves a finding's product through test -> engagement ->
// product, falling back to names for bare ids. ok is false when no name can
// be found; such findings stay out of per-product aggregates.
func ProductOf(f model.Finding, names Namer) (ProductKey, bool) {
	ref, ok := f.ProductOf()
	if !ok {
		return ProductKey{}, false
	}
	switch p := ref.(type) {
	case model.ExpandedProduct:
		if p.Name != "" {
			return ProductKey{ID: p.ID, Name: p.Name}, true
		}
		return lookupProduct(p.ID, names)
	case model.ProductID:
		return lookupProduct(int(p), names)
	default:
		return ProductKey{}, false
	}
}

func lookupProduct(id int, names Namer) (ProductKey, bool) {
	if names == nil {
		return ProductKey{}, false
	}
	name, ok := names.ProductName(id)
	if !ok || name == "" {
		return ProductKey{}, false
	}
	return ProductKey{ID: id, Name: name}, true
}

// ToolOf returns the name of the tool that produced a finding.
func ToolOf(f model.Finding, names Namer) (string, bool) {
	if name, ok := f.ToolName(); ok {
		return name, true
	}
	if names == nil {
		return "", false
	}
	if id, ok := f.ToolTypeIDOf(); ok {
		return names.ToolName(id)
	}
	return "", false
}

// productIDOf returns whatever product id the finding carries, named or not.
func productIDOf(f model.Finding) (int, bool) {
	ref, ok := f.ProductOf()
	if !ok {
		return 0, false
	}
	switch p := ref.(type) {
	case model.ExpandedProduct:
		return p.ID, true
	case model.ProductID:
		return int(p), true
	default:
		return 0, false
	}
}
