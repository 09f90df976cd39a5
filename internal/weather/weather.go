// Package weather polls an Open-Meteo style endpoint for the outdoor
// temperature. Routines with an external temperature trigger read the cached
// value; a stale or failed fetch leaves the last good reading in place and
// is reported through the staleness age.
package weather

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// DefaultURL is the forecast endpoint with current conditions enabled. The
// coordinates are overridden from configuration.
const DefaultURL = "https://api.open-meteo.com/v1/forecast?latitude=%f&longitude=%f&current_weather=true"

// maxAge is how old a reading may be before IsStale reports it.
const maxAge = 30 * time.Minute

// Feed fetches and caches the outdoor temperature.
type Feed struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	tempC     float64
	fetchedAt time.Time

	now func() time.Time
}

// NewFeed creates a feed polling the given URL.
func NewFeed(url string) *Feed {
	return &Feed{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// URLFor builds the default endpoint URL for a location.
func URLFor(latitude, longitude float64) string {
	return fmt.Sprintf(DefaultURL, latitude, longitude)
}

// SetClock overrides the time source for tests.
func (f *Feed) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

type response struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
	} `json:"current_weather"`
}

// Refresh fetches the current temperature. On failure the cached reading is
// kept and the error returned.
func (f *Feed) Refresh() error {
	resp, err := f.client.Get(f.url)
	if err != nil {
		return fmt.Errorf("fetch weather: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetch weather: status %d", resp.StatusCode)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decode weather: %w", err)
	}

	f.mu.Lock()
	f.tempC = r.CurrentWeather.Temperature
	f.fetchedAt = f.now()
	f.mu.Unlock()
	return nil
}

// Poll refreshes and logs failures. Intended as a cron job body.
func (f *Feed) Poll() {
	if err := f.Refresh(); err != nil {
		log.Printf("weather: %v", err)
	}
}

// TemperatureC returns the last fetched temperature. Zero before the first
// successful fetch.
func (f *Feed) TemperatureC() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tempC
}

// Age returns the time since the last successful fetch. Before any fetch it
// returns a very large duration.
func (f *Feed) Age() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchedAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return f.now().Sub(f.fetchedAt)
}

// IsStale reports whether the cached reading is too old to trust.
func (f *Feed) IsStale() bool {
	return f.Age() > maxAge
}
