package job

import (
	"geoalign/internal/apperrors"
	"math"
	"strings"
)

// MissingParamsMessage is returned for any omitted required field.
const MissingParamsMessage = "Missing required parameters: imageAId, imageBId, or aoi"

// validate checks a create request and returns its normalized AOI.
// Bounds are normalized with max/min so callers may submit any two opposite corners.
func validate(req *CreateRequest) (AOI, error) {
	if req == nil {
		return AOI{}, apperrors.Validation("body", MissingParamsMessage)
	}
	if strings.TrimSpace(req.ImageAID) == "" {
		return AOI{}, apperrors.Validation("imageAId", MissingParamsMessage)
	}
	if strings.TrimSpace(req.ImageBID) == "" {
		return AOI{}, apperrors.Validation("imageBId", MissingParamsMessage)
	}
	if req.AOI == nil {
		return AOI{}, apperrors.Validation("aoi", MissingParamsMessage)
	}

	bounds := []struct {
		field string
		value *float64
	}{
		{"aoi.north", req.AOI.North},
		{"aoi.south", req.AOI.South},
		{"aoi.east", req.AOI.East},
		{"aoi.west", req.AOI.West},
	}
	for _, b := range bounds {
		if b.value == nil {
			return AOI{}, apperrors.Validation(b.field, MissingParamsMessage)
		}
		if math.IsNaN(*b.value) || math.IsInf(*b.value, 0) {
			return AOI{}, apperrors.Validation(b.field, b.field+" must be a finite number")
		}
	}

	if err := validateRef("imageAId", req.ImageAID); err != nil {
		return AOI{}, err
	}
	if err := validateRef("imageBId", req.ImageBID); err != nil {
		return AOI{}, err
	}

	aoi := AOI{
		North: math.Max(*req.AOI.North, *req.AOI.South),
		South: math.Min(*req.AOI.North, *req.AOI.South),
		East:  math.Max(*req.AOI.East, *req.AOI.West),
		West:  math.Min(*req.AOI.East, *req.AOI.West),
	}
	if aoi.North == aoi.South || aoi.East == aoi.West {
		return AOI{}, apperrors.Validation("aoi", "aoi must enclose an area: north > south and east > west")
	}
	return aoi, nil
}

// validateRef rejects image references that could escape the uploads directory.
func validateRef(field, ref string) error {
	if ref != strings.TrimSpace(ref) {
		return apperrors.Validation(field, field+" must not contain surrounding whitespace")
	}
	if strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." || strings.ContainsRune(ref, 0) {
		return apperrors.Validation(field, field+" must be an uploaded image id")
	}
	return nil
}
