package metastore

import (
	"encoding/json"
	"fmt"
)

// Dimensions are physical measurements of a material unit.
type Dimensions struct {
	Length float64 `json:"length,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// MaterialDocument is the metadata document suppliers attach to a mint.
// Consumed lists the content addresses of the documents of composed
// materials.
type MaterialDocument struct {
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	SupplierName    string     `json:"supplier_name,omitempty"`
	CertificationID string     `json:"certification_id,omitempty"`
	ManufactureDate string     `json:"manufacture_date,omitempty"`
	BatchNumber     string     `json:"batch_number,omitempty"`
	Count           uint64     `json:"count,omitempty"`
	Weight          float64    `json:"weight,omitempty"`
	MeasureUnit     string     `json:"measure_unit,omitempty"`
	Dimensions      Dimensions `json:"dimensions,omitempty"`
	Consumed        []string   `json:"consumed,omitempty"`
}

// Validate checks the minimal document contract.
func (d *MaterialDocument) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("document name is required")
	}
	return nil
}

// Encode serializes the document for storage.
func (d *MaterialDocument) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeMaterialDocument parses stored document bytes.
func DecodeMaterialDocument(data []byte) (*MaterialDocument, error) {
	var d MaterialDocument
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode material document: %w", err)
	}
	return &d, nil
}
