package sherd

import (
	"fmt"
	"image"
	"math"
)

// Unknown is the label used when a classifier has nothing for a detection.
const Unknown = "unknown"

// Detection is one localized fragment as returned by the detection stage.
// X and Y are the box center.
type Detection struct {
	ID         string
	X, Y       float64
	Width      float64
	Height     float64
	Class      string
	Confidence float64
}

// Area returns the bounding-box area in square pixels.
func (d Detection) Area() float64 {
	return d.Width * d.Height
}

// Rect converts the center box to integer pixel coordinates, truncating toward zero.
func (d Detection) Rect() image.Rectangle {
	x := int(d.X - d.Width/2)
	y := int(d.Y - d.Height/2)
	return image.Rect(x, y, x+int(d.Width), y+int(d.Height))
}

// Record is the per-fragment output row.
type Record struct {
	SherdID       string  `json:"sherd_id" yaml:"sherd_id"`
	Weight        float64 `json:"weight" yaml:"weight"`
	Type          string  `json:"type_prediction" yaml:"type_prediction"`
	Qualification string  `json:"qualification_prediction" yaml:"qualification_prediction"`
}

// Caption is the "type/qualification" string drawn under a box.
func (r Record) Caption() string {
	return r.Type + "/" + r.Qualification
}

// Label returns the sequential 1-based sherd label.
func Label(index int) string {
	return fmt.Sprintf("Sherd %d", index+1)
}

// Labels maps detection ids to a classifier's best label.
type Labels map[string]string

// Get returns the label for id, or Unknown when id has no entry.
// An empty label reported by the classifier is kept as is.
func (l Labels) Get(id string) string {
	if v, ok := l[id]; ok {
		return v
	}
	return Unknown
}

// TotalArea sums the box areas of all detections.
func TotalArea(dets []Detection) float64 {
	var total float64
	for _, d := range dets {
		total += d.Area()
	}
	return total
}

// Apportion splits totalWeight across detections proportionally to box area.
// When the total area is zero every share is zero.
func Apportion(dets []Detection, totalWeight float64) []float64 {
	weights := make([]float64, len(dets))
	totalArea := TotalArea(dets)
	if totalArea <= 0 {
		return weights
	}
	for i, d := range dets {
		weights[i] = Round2(d.Area() / totalArea * totalWeight)
	}
	return weights
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Build joins detections with both label maps and produces one record per detection, in input order.
func Build(dets []Detection, types, quals Labels, totalWeight float64) []Record {
	weights := Apportion(dets, totalWeight)
	records := make([]Record, 0, len(dets))
	for i, d := range dets {
		records = append(records, Record{
			SherdID:       Label(i),
			Weight:        weights[i],
			Type:          types.Get(d.ID),
			Qualification: quals.Get(d.ID),
		})
	}
	return records
}
