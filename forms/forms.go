package forms

import (
	"errors"
	"fmt"
	"math"
	"mime/multipart"
	"sort"
	"strconv"
	"strings"

	"custcat-prediction-api/models"

	"github.com/go-playground/validator/v10"
)

const (
	msgRequired = "This field is required."
	msgInteger  = "Enter a whole number."
	msgNumber   = "Enter a number."
	msgNoFile   = "No file was submitted. Check the encoding type on the form."
)

// FieldErrors maps a form field name to its validation message.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %s", name, e[name])
	}
	return "invalid form: " + strings.Join(parts, "; ")
}

// SinglePredictionForm holds the raw submitted values of one record.
type SinglePredictionForm struct {
	Region  string `form:"region" binding:"required"`
	Tenure  string `form:"tenure" binding:"required"`
	Age     string `form:"age" binding:"required"`
	Marital string `form:"marital" binding:"required"`
	Address string `form:"address" binding:"required"`
	Income  string `form:"income" binding:"required"`
	Ed      string `form:"ed" binding:"required"`
	Employ  string `form:"employ" binding:"required"`
	Retire  string `form:"retire" binding:"required"`
	Gender  string `form:"gender" binding:"required"`
	Reside  string `form:"reside" binding:"required"`
}

func (f SinglePredictionForm) raw() []string {
	return []string{f.Region, f.Tenure, f.Age, f.Marital, f.Address, f.Income,
		f.Ed, f.Employ, f.Retire, f.Gender, f.Reside}
}

// Clean converts the raw values into typed features. Every field is checked,
// so the returned FieldErrors lists all failures at once.
func (f SinglePredictionForm) Clean() (models.Features, error) {
	raw := f.raw()
	fields := models.FeatureFields()
	values := make([]float64, len(fields))
	errs := FieldErrors{}
	for i, field := range fields {
		v, msg := ParseValue(field.Kind, raw[i])
		if msg != "" {
			errs[field.Name] = msg
			continue
		}
		values[i] = v
	}
	if len(errs) > 0 {
		return models.Features{}, errs
	}
	return models.FeaturesFromVector(values)
}

// FileUploadForm carries the uploaded batch file.
type FileUploadForm struct {
	File *multipart.FileHeader `form:"file" binding:"required"`
}

// BindingErrors turns an error returned by gin's form binding into FieldErrors.
// Errors that are not per-field (a malformed body, a missing multipart
// boundary) are attributed to fallbackField.
func BindingErrors(err error, fallbackField string) FieldErrors {
	errs := FieldErrors{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			name := strings.ToLower(fe.Field())
			if fe.Tag() == "required" {
				errs[name] = msgRequired
				if name == "file" {
					errs[name] = msgNoFile
				}
				continue
			}
			errs[name] = fe.Error()
		}
		return errs
	}
	if fallbackField == "file" {
		errs[fallbackField] = msgNoFile
	} else {
		errs[fallbackField] = err.Error()
	}
	return errs
}

// ParseValue parses one raw value for the given kind. The second result is a
// user-facing message, empty on success.
func ParseValue(kind models.FeatureKind, raw string) (float64, string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, msgRequired
	}
	if kind == models.IntFeature {
		// Integer columns are 32-bit, which also keeps every value exact in a float64.
		if n, err := strconv.ParseInt(s, 10, 32); err == nil {
			return float64(n), ""
		}
		// "3.0" and "3.00" are accepted as integers.
		if whole, frac, ok := strings.Cut(s, "."); ok && whole != "" && strings.Trim(frac, "0") == "" {
			if n, err := strconv.ParseInt(whole, 10, 32); err == nil {
				return float64(n), ""
			}
		}
		return 0, msgInteger
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, msgNumber
	}
	return v, ""
}
