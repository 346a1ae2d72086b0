// Package tools holds the built-in tools the model may call during a
// generation: a weather lookup and the document workflow.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultWeatherBase = "https://api.open-meteo.com"

// Weather reports current conditions for a coordinate via the Open-Meteo
// forecast API.
type Weather struct {
	client *http.Client
	base   string
}

// NewWeather builds the weather tool. client may be nil; base overrides the
// API host for tests, "" means the public endpoint.
func NewWeather(client *http.Client, base string) *Weather {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if base == "" {
		base = defaultWeatherBase
	}
	return &Weather{client: client, base: base}
}

func (w *Weather) Name() string { return "getWeather" }

func (w *Weather) Description() string {
	return "Get the current weather at a location"
}

func (w *Weather) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"latitude": {"type": "number"},
			"longitude": {"type": "number"}
		},
		"required": ["latitude", "longitude"]
	}`)
}

func (w *Weather) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("weather args: %w", err)
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(in.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(in.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m")
	q.Set("hourly", "temperature_2m")
	q.Set("daily", "sunrise,sunset")
	q.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.base+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("weather response not json")
	}
	return body, nil
}
