package catalog

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/voltplan/model"
)

// VError describes a single validation error in a catalog document.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks catalog documents structurally and for duplicate SKUs.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator with the catalog-specific tags
// registered.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("amprating", func(fl validator.FieldLevel) bool {
		_, ok := model.ParseAmp(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("panelratio", func(fl validator.FieldLevel) bool {
		_, ok := model.ParsePanelRatio(fl.Field().String())
		return ok
	})
	return &Validator{validate: v}
}

// Validate checks all documents and returns every problem found.
func (v *Validator) Validate(docs []model.CatalogDocument) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, doc := range docs {
		prefix := fmt.Sprintf("catalogs[%d]", i)

		if doc.Catalog == "" {
			errs = append(errs, VError{Path: prefix + ".catalog", Code: "REQUIRED", Message: "catalog name is required"})
		}
		errs = append(errs, v.validateStruct(prefix, doc)...)

		for j, e := range doc.Entries {
			if e.Type == "" || e.Make == "" || e.Model == "" {
				continue
			}
			path := fmt.Sprintf("%s.entries[%d]", prefix, j)
			key := entryKey(e.Type, e.Make, e.Model)
			if first, dup := seen[key]; dup {
				errs = append(errs, VError{
					Path:    path,
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("%s / %s / %s already defined at %s", e.Type, e.Make, e.Model, first),
				})
				continue
			}
			seen[key] = path
		}

		for alias, target := range doc.Aliases {
			if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
				errs = append(errs, VError{Path: prefix + ".aliases", Code: "INVALID_ALIAS", Message: "aliases need a non-empty name and target"})
			}
		}
	}
	return errs
}

func (v *Validator) validateStruct(prefix string, doc model.CatalogDocument) []VError {
	err := v.validate.Struct(doc)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []VError{{Path: prefix, Code: "INVALID", Message: err.Error()}}
	}

	out := make([]VError, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}
		out = append(out, VError{
			Path:    prefix + "." + ns,
			Code:    codeFor(fe.Tag()),
			Message: messageFor(fe),
		})
	}
	return out
}

func codeFor(tag string) string {
	switch tag {
	case "required":
		return "REQUIRED"
	case "amprating":
		return "INVALID_AMP_RATING"
	case "panelratio":
		return "INVALID_PANEL_RATIO"
	case "gte":
		return "OUT_OF_RANGE"
	}
	return "INVALID"
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "amprating":
		return fmt.Sprintf("amp rating %q is not a positive number", fe.Value())
	case "panelratio":
		return fmt.Sprintf("panel ratio %q must look like N:1", fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
