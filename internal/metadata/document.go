// Package metadata fetches and parses SoT token metadata documents.
package metadata

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedMetadata indicates a document that does not have the SoT shape
var ErrMalformedMetadata = errors.New("malformed metadata document")

// Recognised attribute trait types
const (
	TraitCountry = "Country"
	TraitCity    = "City"
	TraitGrade   = "Grade"
)

// Document is the parsed form of a token metadata document:
//
//	{"name", "image", "description",
//	 "attributes": [{"trait_type", "value"}],
//	 "metadata": {"UUID", "Longitude", "Latitude"}}
type Document struct {
	Name        string
	Image       string
	Description string
	Country     string
	City        string
	Grade       string
	UUID        string
	Longitude   float64
	Latitude    float64
}

// Parse validates and decodes a metadata document
func Parse(body []byte) (*Document, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedMetadata)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: document is not an object", ErrMalformedMetadata)
	}

	doc := &Document{
		Name:        root.Get("name").String(),
		Image:       root.Get("image").String(),
		Description: root.Get("description").String(),
	}

	attrs := root.Get("attributes")
	if attrs.Exists() && !attrs.IsArray() {
		return nil, fmt.Errorf("%w: attributes is not an array", ErrMalformedMetadata)
	}
	attrs.ForEach(func(_, attr gjson.Result) bool {
		value := attr.Get("value").String()
		switch attr.Get("trait_type").String() {
		case TraitCountry:
			doc.Country = value
		case TraitCity:
			doc.City = value
		case TraitGrade:
			doc.Grade = value
		}
		return true
	})

	geo := root.Get("metadata")
	if !geo.IsObject() {
		return nil, fmt.Errorf("%w: metadata object missing", ErrMalformedMetadata)
	}

	doc.UUID = strings.TrimSpace(geo.Get("UUID").String())
	if doc.UUID == "" {
		return nil, fmt.Errorf("%w: metadata.UUID missing", ErrMalformedMetadata)
	}

	var err error
	if doc.Longitude, err = coordinate(geo.Get("Longitude"), "Longitude", 180); err != nil {
		return nil, err
	}
	if doc.Latitude, err = coordinate(geo.Get("Latitude"), "Latitude", 90); err != nil {
		return nil, err
	}

	return doc, nil
}

// coordinate accepts a decimal string or a JSON number within ±limit
func coordinate(v gjson.Result, field string, limit float64) (float64, error) {
	var (
		f   float64
		err error
	)

	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		f, err = strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: metadata.%s %q is not a number", ErrMalformedMetadata, field, v.Str)
		}
	default:
		return 0, fmt.Errorf("%w: metadata.%s missing", ErrMalformedMetadata, field)
	}

	if math.IsNaN(f) || f < -limit || f > limit {
		return 0, fmt.Errorf("%w: metadata.%s %v out of range", ErrMalformedMetadata, field, f)
	}
	return f, nil
}
