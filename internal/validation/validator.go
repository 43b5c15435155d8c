package validation

import (
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// maxMetadataKeys bounds the metadata a client may attach to an added item.
const maxMetadataKeys = 20

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// metadata is free-form but bounded
	v.RegisterStructValidation(addLineItemStructValidation, AddLineItemRequest{})

	return v
}

func addLineItemStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(AddLineItemRequest)

	if len(req.Metadata) > maxMetadataKeys {
		sl.ReportError(req.Metadata, "metadata", "Metadata", "max_keys", fmt.Sprintf("%d", maxMetadataKeys))
	}
}
