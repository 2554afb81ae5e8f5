package booking

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const earthRadiusKm = 6371.0

// Location is a point on the map.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Tier charges a flat amount for jobs up to UpToKm away.
type Tier struct {
	UpToKm float64
	Charge int64
}

// Pricing turns a travel distance into a surcharge.
type Pricing struct {
	Tiers      []Tier // ascending by UpToKm
	ExtraPerKm int64  // per started km beyond the last tier
}

// ParseTiers parses "upToKm:charge,..." e.g. "5:0,10:500,20:1000".
func ParseTiers(s string) ([]Tier, error) {
	var tiers []Tier
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		km, charge, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("distance tier %q: want upToKm:charge", part)
		}
		upTo, err := strconv.ParseFloat(strings.TrimSpace(km), 64)
		if err != nil || upTo <= 0 {
			return nil, fmt.Errorf("distance tier %q: invalid distance", part)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(charge), 10, 64)
		if err != nil || amount < 0 {
			return nil, fmt.Errorf("distance tier %q: invalid charge", part)
		}
		tiers = append(tiers, Tier{UpToKm: upTo, Charge: amount})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].UpToKm < tiers[j].UpToKm })
	return tiers, nil
}

// DistanceCharge returns the surcharge for a job km away.
func (p Pricing) DistanceCharge(km float64) int64 {
	if km <= 0 || len(p.Tiers) == 0 {
		return 0
	}
	for _, t := range p.Tiers {
		if km <= t.UpToKm {
			return t.Charge
		}
	}
	last := p.Tiers[len(p.Tiers)-1]
	extra := int64(math.Ceil(km - last.UpToKm))
	return last.Charge + extra*p.ExtraPerKm
}
