package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ORSClient talks to an openrouteservice-compatible HTTP API for
// geocoding, trip estimates and route polylines.
type ORSClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewORSClient(endpoint, apiKey string) *ORSClient {
	return &ORSClient{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *ORSClient) Resolve(ctx context.Context, address string) (models.Coord, error) {
	if address == "" {
		return models.Coord{}, ErrNotFound
	}
	u := fmt.Sprintf("%s/geocode/search?api_key=%s&text=%s",
		c.Endpoint, url.QueryEscape(c.APIKey), url.QueryEscape(address))
	var out struct {
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"` // [lon, lat]
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := c.getJSON(ctx, "geocode", u, &out); err != nil {
		return models.Coord{}, err
	}
	if len(out.Features) == 0 || len(out.Features[0].Geometry.Coordinates) < 2 {
		return models.Coord{}, ErrNotFound
	}
	coords := out.Features[0].Geometry.Coordinates
	return models.Coord{Lat: coords[1], Lon: coords[0]}, nil
}

func (c *ORSClient) Estimate(ctx context.Context, origin, destination models.Coord) (Route, error) {
	var out directionsResponse
	if err := c.getJSON(ctx, "directions", c.directionsURL(origin, destination), &out); err != nil {
		return Route{}, err
	}
	if len(out.Features) == 0 || len(out.Features[0].Properties.Segments) == 0 {
		return Route{}, &UpstreamError{Op: "directions", Err: fmt.Errorf("no routes in response")}
	}
	seg := out.Features[0].Properties.Segments[0]
	return Route{DistanceMeters: seg.Distance, DurationSeconds: seg.Duration}, nil
}

func (c *ORSClient) Polyline(ctx context.Context, origin, destination models.Coord) ([]models.Coord, error) {
	var out directionsResponse
	if err := c.getJSON(ctx, "directions", c.directionsURL(origin, destination), &out); err != nil {
		return nil, err
	}
	if len(out.Features) == 0 {
		return nil, &UpstreamError{Op: "directions", Err: fmt.Errorf("no routes in response")}
	}
	// provider geometry is [lon, lat]; clients draw [lat, lon]
	raw := out.Features[0].Geometry.Coordinates
	line := make([]models.Coord, 0, len(raw))
	for _, pt := range raw {
		if len(pt) < 2 {
			continue
		}
		line = append(line, models.Coord{Lat: pt[1], Lon: pt[0]})
	}
	return line, nil
}

// Suggest returns address autocomplete labels for a partial input.
func (c *ORSClient) Suggest(ctx context.Context, input string) ([]string, error) {
	if input == "" {
		return nil, nil
	}
	u := fmt.Sprintf("%s/geocode/autocomplete?api_key=%s&text=%s",
		c.Endpoint, url.QueryEscape(c.APIKey), url.QueryEscape(input))
	var out struct {
		Features []struct {
			Properties struct {
				Label string `json:"label"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := c.getJSON(ctx, "autocomplete", u, &out); err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(out.Features))
	for _, f := range out.Features {
		if f.Properties.Label != "" {
			labels = append(labels, f.Properties.Label)
		}
	}
	return labels, nil
}

type directionsResponse struct {
	Features []struct {
		Properties struct {
			Segments []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"segments"`
		} `json:"properties"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

func (c *ORSClient) directionsURL(origin, destination models.Coord) string {
	return fmt.Sprintf("%s/v2/directions/driving-car?api_key=%s&start=%.6f,%.6f&end=%.6f,%.6f",
		c.Endpoint, url.QueryEscape(c.APIKey),
		origin.Lon, origin.Lat, destination.Lon, destination.Lat)
}

func (c *ORSClient) getJSON(ctx context.Context, op, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return &UpstreamError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	return nil
}
