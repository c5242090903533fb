// Package catalogsource reads equipment catalogs from the remote
// equipment-catalog service. Its operations are discovered from the
// service's OpenAPI document, executed behind a circuit breaker with
// retries, and cached.
package catalogsource

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Operation ids the catalog service must expose.
const (
	OpListManufacturers = "listManufacturers"
	OpListModels        = "listModels"
)

// required maps each needed operation to the path parameters it must take.
var required = map[string][]string{
	OpListManufacturers: {"type"},
	OpListModels:        {"type", "make"},
}

// Operation is one indexed HTTP operation of the catalog service.
type Operation struct {
	ID           string
	Method       string
	PathTemplate string
	BaseURL      string
	Parameters   []*openapi3.Parameter
}

// URL expands the path template and appends the query.
func (op Operation) URL(pathParams map[string]string, query url.Values) string {
	path := op.PathTemplate
	for name, value := range pathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	u := strings.TrimRight(op.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (op Operation) hasPathParam(name string) bool {
	for _, p := range op.Parameters {
		if p.In == openapi3.ParameterInPath && p.Name == name {
			return true
		}
	}
	return false
}

// Operations indexes the catalog service's operations by operationId.
type Operations struct {
	ops map[string]Operation
}

// LoadOperations reads and indexes the OpenAPI document at path. A non-empty
// baseURL overrides the document's first server.
func LoadOperations(path, baseURL string) (*Operations, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalogsource: loading %s: %w", path, err)
	}
	return indexDocument(doc, baseURL)
}

// ParseOperations indexes an OpenAPI document held in memory.
func ParseOperations(data []byte, baseURL string) (*Operations, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("catalogsource: parsing spec: %w", err)
	}
	return indexDocument(doc, baseURL)
}

func indexDocument(doc *openapi3.T, baseURL string) (*Operations, error) {
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("catalogsource: validating spec: %w", err)
	}
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("catalogsource: no base url configured and spec declares no servers")
	}

	ix := &Operations{ops: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			params := make([]*openapi3.Parameter, 0, len(item.Parameters)+len(op.Parameters))
			for _, ref := range item.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			ix.ops[op.OperationID] = Operation{
				ID:           op.OperationID,
				Method:       method,
				PathTemplate: path,
				BaseURL:      baseURL,
				Parameters:   params,
			}
		}
	}

	for id, names := range required {
		op, ok := ix.ops[id]
		if !ok {
			return nil, fmt.Errorf("catalogsource: spec has no %s operation", id)
		}
		for _, n := range names {
			if !op.hasPathParam(n) {
				return nil, fmt.Errorf("catalogsource: %s is missing path parameter %q", id, n)
			}
		}
	}
	return ix, nil
}

// Get returns the operation with the given id.
func (o *Operations) Get(id string) (Operation, bool) {
	op, ok := o.ops[id]
	return op, ok
}

// IDs returns every indexed operation id, sorted.
func (o *Operations) IDs() []string {
	ids := make([]string, 0, len(o.ops))
	for id := range o.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of indexed operations.
func (o *Operations) Len() int { return len(o.ops) }
