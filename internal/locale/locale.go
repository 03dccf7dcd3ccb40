// Package locale models the geographic hierarchy (world → country → region
// → city) that aggregates are keyed on, and provides the catalog and the
// nearest-neighbor spatial index over it.
package locale

import (
	"encoding/base32"
	"strings"

	"github.com/rotisserie/eris"
)

// WorldID is the identifier of the implicit root locale.
const WorldID = "world"

// Granularity is a level of the locale hierarchy.
type Granularity string

const (
	World   Granularity = "world"
	Country Granularity = "country"
	Region  Granularity = "region"
	City    Granularity = "city"
)

// ErrNotFound is returned when a locale id is unknown to the catalog.
var ErrNotFound = eris.New("locale: not found")

// ParseGranularity converts a string into a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToLower(s)) {
	case World:
		return World, nil
	case Country:
		return Country, nil
	case Region:
		return Region, nil
	case City:
		return City, nil
	}
	return "", eris.Errorf("locale: unknown granularity %q", s)
}

// Locale is one node of the hierarchy. Parent is empty only for the world
// root (or when a dangling parent reference was degraded to parentless).
type Locale struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Parent    string   `json:"parent,omitempty"`
	Children  []string `json:"children,omitempty"`
}

var cityEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeCityName encodes a raw city name into a locale-id-safe token.
// Base32 keeps the encoding lossless for arbitrary characters, so two
// distinct city names can never collapse into the same id.
func EncodeCityName(name string) string {
	return cityEncoding.EncodeToString([]byte(name))
}

// DecodeCityName reverses EncodeCityName.
func DecodeCityName(token string) (string, error) {
	b, err := cityEncoding.DecodeString(token)
	if err != nil {
		return "", eris.Wrapf(err, "locale: decode city token %q", token)
	}
	return string(b), nil
}

// CityID builds a city locale id from its country, region, and raw city name.
func CityID(country, region, city string) string {
	return country + "_" + region + "_" + EncodeCityName(city)
}

// RegionID builds a region locale id from its country and region codes.
func RegionID(country, region string) string {
	return country + "_" + region
}
