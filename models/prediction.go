package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
)

// ErrImmutableRecord is returned by the ORM hooks when an update or delete of a
// stored prediction is attempted.
var ErrImmutableRecord = errors.New("prediction records are immutable")

type FeatureKind int

const (
	IntFeature FeatureKind = iota
	FloatFeature
)

func (k FeatureKind) String() string {
	if k == FloatFeature {
		return "float"
	}
	return "int"
}

func (k FeatureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type FeatureField struct {
	Name string      `json:"name"`
	Kind FeatureKind `json:"kind"`
}

// Order matters: it is the column order of the model's feature vector.
var featureFields = []FeatureField{
	{Name: "region", Kind: IntFeature},
	{Name: "tenure", Kind: IntFeature},
	{Name: "age", Kind: IntFeature},
	{Name: "marital", Kind: IntFeature},
	{Name: "address", Kind: IntFeature},
	{Name: "income", Kind: FloatFeature},
	{Name: "ed", Kind: IntFeature},
	{Name: "employ", Kind: IntFeature},
	{Name: "retire", Kind: FloatFeature},
	{Name: "gender", Kind: IntFeature},
	{Name: "reside", Kind: IntFeature},
}

// FeatureCount is the width of a feature vector.
const FeatureCount = 11

func FeatureFields() []FeatureField {
	out := make([]FeatureField, len(featureFields))
	copy(out, featureFields)
	return out
}

func FeatureNames() []string {
	names := make([]string, len(featureFields))
	for i, f := range featureFields {
		names[i] = f.Name
	}
	return names
}

type Features struct {
	Region  int     `gorm:"column:region;not null" json:"region"`
	Tenure  int     `gorm:"column:tenure;not null" json:"tenure"`
	Age     int     `gorm:"column:age;not null" json:"age"`
	Marital int     `gorm:"column:marital;not null" json:"marital"`
	Address int     `gorm:"column:address;not null" json:"address"`
	Income  float64 `gorm:"column:income;not null" json:"income"`
	Ed      int     `gorm:"column:ed;not null" json:"ed"`
	Employ  int     `gorm:"column:employ;not null" json:"employ"`
	Retire  float64 `gorm:"column:retire;not null" json:"retire"`
	Gender  int     `gorm:"column:gender;not null" json:"gender"`
	Reside  int     `gorm:"column:reside;not null" json:"reside"`
}

func (f Features) Vector() []float64 {
	return []float64{
		float64(f.Region),
		float64(f.Tenure),
		float64(f.Age),
		float64(f.Marital),
		float64(f.Address),
		f.Income,
		float64(f.Ed),
		float64(f.Employ),
		f.Retire,
		float64(f.Gender),
		float64(f.Reside),
	}
}

// FeaturesFromVector maps an ordered vector back onto Features.
func FeaturesFromVector(v []float64) (Features, error) {
	if len(v) != FeatureCount {
		return Features{}, fmt.Errorf("expected %d features, got %d", FeatureCount, len(v))
	}
	ints := make([]int, FeatureCount)
	for i, field := range featureFields {
		if field.Kind != IntFeature {
			continue
		}
		if v[i] != math.Trunc(v[i]) || v[i] < math.MinInt32 || v[i] > math.MaxInt32 {
			return Features{}, fmt.Errorf("feature %s must be a 32-bit whole number, got %v", field.Name, v[i])
		}
		ints[i] = int(v[i])
	}
	return Features{
		Region:  ints[0],
		Tenure:  ints[1],
		Age:     ints[2],
		Marital: ints[3],
		Address: ints[4],
		Income:  v[5],
		Ed:      ints[6],
		Employ:  ints[7],
		Retire:  v[8],
		Gender:  ints[9],
		Reside:  ints[10],
	}, nil
}

type Prediction struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Features   `gorm:"embedded"`
	Prediction int       `gorm:"column:prediction;not null" json:"prediction"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
}

func (Prediction) TableName() string { return "predictions" }

func (p *Prediction) BeforeUpdate(tx *gorm.DB) error { return ErrImmutableRecord }

func (p *Prediction) BeforeDelete(tx *gorm.DB) error { return ErrImmutableRecord }
