package models

// SRIDWGS84 is the spatial reference used for all location points
const SRIDWGS84 = 4326

// GeoPoint is a PostGIS point in lon/lat order
type GeoPoint struct {
	Lon  float64 `json:"lon"`
	Lat  float64 `json:"lat"`
	SRID int     `json:"srid"`
}

// NewGeoPoint builds a WGS84 point
func NewGeoPoint(lon, lat float64) GeoPoint {
	return GeoPoint{Lon: lon, Lat: lat, SRID: SRIDWGS84}
}

// LocationRecord is the persisted Sot: a location NFT with coordinates
// resolved from its metadata document. It is created once per UniqueID.
type LocationRecord struct {
	UUID        string   `json:"uuid" db:"uuid"`
	Name        string   `json:"name" db:"name"`
	Image       string   `json:"image" db:"image"`
	Description string   `json:"description" db:"description"`
	Longitude   float64  `json:"longitude" db:"longitude"`
	Latitude    float64  `json:"latitude" db:"latitude"`
	Point       GeoPoint `json:"point" db:"point"`
	Country     string   `json:"country" db:"country"`
	City        string   `json:"city" db:"city"`
	Grade       string   `json:"grade" db:"grade"`
	UniqueID    string   `json:"uniqueId" db:"unique_id"`
	Owner       string   `json:"owner" db:"owner"`
	TokenID     string   `json:"tokenId" db:"token_id"`
	BlockNumber uint64   `json:"blockNumber" db:"block_number"`
	CreatedAt   int64    `json:"createdAt" db:"created_at"` // block timestamp, seconds
}
