package tle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/internal/logging"
	"github.com/kyjohnso/hilbert-sats/model"
)

// DefaultURL is the CelesTrak Starlink group in three-line format.
const DefaultURL = "https://celestrak.org/NORAD/elements/gp.php?GROUP=starlink&FORMAT=tle"

// DefaultRefresh is how long a downloaded catalogue is reused. CelesTrak
// only updates element sets a few times a day.
const DefaultRefresh = 2 * time.Hour

// Source is a core.SatelliteSource reading element sets from an HTTP(S) URL
// or a local file, caching the result for Refresh.
type Source struct {
	Location string
	Refresh  time.Duration
	Client   *http.Client

	log logging.Logger
	now func() time.Time

	mu        sync.Mutex
	cached    []model.Satellite
	fetchedAt time.Time
}

var _ core.SatelliteSource = (*Source)(nil)

// NewSource constructs a Source. A zero refresh re-reads the location on
// every call.
func NewSource(location string, refresh time.Duration, log logging.Logger) *Source {
	if log == nil {
		log = logging.Noop()
	}
	return &Source{
		Location: location,
		Refresh:  refresh,
		Client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
		now:      time.Now,
	}
}

// Satellites returns the cached catalogue, reloading it once stale. When a
// reload fails and an older catalogue exists, the older one is served.
func (s *Source) Satellites(ctx context.Context) ([]model.Satellite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.Refresh > 0 && s.now().Sub(s.fetchedAt) < s.Refresh {
		return s.cached, nil
	}

	sats, err := s.load(ctx)
	if err != nil {
		if s.cached != nil {
			s.log.Warn(ctx, "element set reload failed; serving cached catalogue",
				logging.String("location", s.Location),
				logging.String("error", err.Error()),
				logging.String("fetched_at", s.fetchedAt.UTC().Format(time.RFC3339)),
			)
			return s.cached, nil
		}
		return nil, err
	}
	s.cached = sats
	s.fetchedAt = s.now()
	return sats, nil
}

func (s *Source) load(ctx context.Context) ([]model.Satellite, error) {
	s.log.Info(ctx, "loading element sets", logging.String("location", s.Location))

	body, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	sats, skipped, err := Parse(body)
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		s.log.Warn(ctx, "skipping element set", logging.String("error", e.Error()))
	}
	if len(sats) == 0 {
		return nil, fmt.Errorf("no element sets at %s", s.Location)
	}
	s.log.Info(ctx, "loaded element sets",
		logging.String("location", s.Location),
		logging.Int("count", len(sats)),
		logging.Int("skipped", len(skipped)),
	)
	return sats, nil
}

func (s *Source) open(ctx context.Context) (io.ReadCloser, error) {
	loc := s.Location
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		f, err := os.Open(strings.TrimPrefix(loc, "file://"))
		if err != nil {
			return nil, fmt.Errorf("open element sets: %w", err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch element sets: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch element sets: unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}
