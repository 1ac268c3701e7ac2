package models

import (
	"strings"
)

var cropAliases = map[string]string{
	"corn":         "Corn",
	"maize":        "Corn",
	"soy":          "Soybean",
	"soybean":      "Soybean",
	"soybeans":     "Soybean",
	"springwheat":  "SpringWheat",
	"spring_wheat": "SpringWheat",
	"swheat":       "SpringWheat",
	"winterwheat":  "WinterWheat",
	"winter_wheat": "WinterWheat",
	"wwheat":       "WinterWheat",
}

// CropSchema maps requested crops to model class ids. Class 0 is background.
type CropSchema struct {
	Crops []string
}

// ParseCrops parses a crop list such as "corn, Soybean" into display names,
// resolving aliases and dropping duplicates in first-seen order.
func ParseCrops(raw string) (*CropSchema, error) {
	tokens := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		switch r {
		case ',', ';', '/', '\\', ' ', '\t', '\n':
			return true
		}
		return false
	})
	if len(tokens) == 0 {
		return nil, &ValidationError{Field: "crops", Message: "crops input is empty"}
	}

	seen := make(map[string]bool, len(tokens))
	crops := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		name, ok := cropAliases[tok]
		if !ok {
			name = strings.ToUpper(tok[:1]) + tok[1:]
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		crops = append(crops, name)
	}
	return &CropSchema{Crops: crops}, nil
}

// NumClasses is the model output class count: background plus one per crop
func (s *CropSchema) NumClasses() int {
	return 1 + len(s.Crops)
}

// ClassID returns the model class of a crop, or 0 when it is not requested
func (s *CropSchema) ClassID(crop string) int {
	for i, c := range s.Crops {
		if c == crop {
			return i + 1
		}
	}
	return 0
}

// Set returns the crops as a lookup set
func (s *CropSchema) Set() map[string]bool {
	set := make(map[string]bool, len(s.Crops))
	for _, c := range s.Crops {
		set[c] = true
	}
	return set
}
