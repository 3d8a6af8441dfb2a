package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the nearby-captain query used by the dispatch coordinator and
// fed by the location ingest pipeline.
type Index interface {
	// Nearby returns available captains within radiusMeters of center,
	// closest first. No captains is an empty slice, not an error.
	Nearby(ctx context.Context, center models.Coord, radiusMeters float64) ([]models.Captain, error)
	Upsert(ctx context.Context, c models.Captain) error
	SetAvailability(ctx context.Context, captainID string, available bool) error
}

type MemoryIndex struct {
	mu       sync.RWMutex
	captains map[string]models.Captain
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{captains: make(map[string]models.Captain)}
}

func (g *MemoryIndex) Upsert(_ context.Context, c models.Captain) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.Updated = time.Now()
	g.captains[c.ID] = c
	return nil
}

func (g *MemoryIndex) SetAvailability(_ context.Context, captainID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.captains[captainID]
	if !ok {
		return nil
	}
	c.IsAvailable = available
	g.captains[captainID] = c
	return nil
}

// linear scan; fine for a single node, Redis GEO covers the clustered case
func (g *MemoryIndex) Nearby(_ context.Context, center models.Coord, radiusMeters float64) ([]models.Captain, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		c    models.Captain
		dist float64
	}
	arr := make([]pair, 0, len(g.captains))
	for _, c := range g.captains {
		if !c.IsAvailable {
			continue
		}
		dist := Haversine(center.Lat, center.Lon, c.Loc.Lat, c.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{c, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].c.ID < arr[j].c.ID
	})
	out := make([]models.Captain, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.c)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
