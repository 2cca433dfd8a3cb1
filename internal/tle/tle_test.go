package tle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kyjohnso/hilbert-sats/internal/logging"
)

const (
	issLine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

var catalogue = strings.Join([]string{
	"ISS (ZARYA)             ",
	issLine1,
	issLine2,
	"0 ISS TWIN",
	strings.Replace(issLine1, "25544", "25545", 1),
	strings.Replace(issLine2, "25544", "25545", 1),
	strings.Replace(issLine1, "25544", "25546", 1),
	strings.Replace(issLine2, "25544", "25546", 1),
	"",
}, "\r\n")

func TestParseThreeLineSets(t *testing.T) {
	sats, skipped, err := Parse(strings.NewReader(catalogue))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("skipped = %v, want none", skipped)
	}
	if len(sats) != 3 {
		t.Fatalf("len(sats) = %d, want 3", len(sats))
	}
	if sats[0].SatNum != 25544 || sats[0].Name != "ISS (ZARYA)" || sats[0].Line1 != issLine1 || sats[0].Line2 != issLine2 {
		t.Fatalf("sats[0] = %+v", sats[0])
	}
	if sats[1].SatNum != 25545 || sats[1].Name != "ISS TWIN" {
		t.Fatalf("sats[1] = %+v", sats[1])
	}
	if sats[2].SatNum != 25546 || sats[2].Name != "25546" {
		t.Fatalf("untitled set = %+v, want catalog number as name", sats[2])
	}
}

func TestParseSkipsMalformedSets(t *testing.T) {
	input := strings.Join([]string{
		"SHORT",
		"1 11111U short",
		"2 11111 short",
		"MISMATCH",
		issLine1,
		strings.Replace(issLine2, "25544", "25599", 1),
		"ORPHAN",
		issLine1,
		"GOOD",
		issLine1,
		issLine2,
		"DANGLING",
		issLine1,
	}, "\n")

	sats, skipped, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(sats) != 1 || sats[0].Name != "GOOD" {
		t.Fatalf("sats = %+v, want only GOOD", sats)
	}
	if len(skipped) != 4 {
		t.Fatalf("skipped = %v, want 4", skipped)
	}
	for _, e := range skipped {
		if !errors.Is(e, ErrMalformed) {
			t.Fatalf("skipped error %v does not wrap ErrMalformed", e)
		}
	}
}

func TestParseSkipsGarbledNumericField(t *testing.T) {
	input := strings.Join([]string{
		"GARBLED",
		issLine1,
		strings.Replace(issLine2, "51.6459", "51.64X9", 1),
		"GOOD",
		issLine1,
		issLine2,
	}, "\n")

	sats, skipped, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(sats) != 1 || sats[0].Name != "GOOD" {
		t.Fatalf("sats = %+v, want only GOOD", sats)
	}
	if len(skipped) != 1 || !errors.Is(skipped[0], ErrMalformed) || !strings.Contains(skipped[0].Error(), "inclination") {
		t.Fatalf("skipped = %v, want one malformed inclination", skipped)
	}
}

func TestSourceFetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(catalogue))
	}))
	defer srv.Close()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	src := NewSource(srv.URL, time.Hour, logging.Noop())
	src.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sats, err := src.Satellites(ctx)
		if err != nil {
			t.Fatalf("Satellites: %v", err)
		}
		if len(sats) != 3 {
			t.Fatalf("len(sats) = %d, want 3", len(sats))
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("server hit %d times, want 1 while cache is fresh", hits.Load())
	}

	now = now.Add(2 * time.Hour)
	if _, err := src.Satellites(ctx); err != nil {
		t.Fatalf("Satellites after expiry: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hit %d times, want 2 after expiry", hits.Load())
	}
}

func TestSourceServesStaleCacheOnFailure(t *testing.T) {
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(catalogue))
	}))
	defer srv.Close()

	src := NewSource(srv.URL, 0, logging.Noop())
	ctx := context.Background()
	if _, err := src.Satellites(ctx); err != nil {
		t.Fatalf("first Satellites: %v", err)
	}

	fail.Store(true)
	sats, err := src.Satellites(ctx)
	if err != nil {
		t.Fatalf("Satellites with stale cache: %v", err)
	}
	if len(sats) != 3 {
		t.Fatalf("stale len(sats) = %d, want 3", len(sats))
	}
}

func TestSourceErrorsWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewSource(srv.URL, time.Hour, nil)
	if _, err := src.Satellites(context.Background()); err == nil {
		t.Fatalf("expected error for failing server with empty cache")
	}
}

func TestSourceReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "starlink.tle")
	if err := os.WriteFile(path, []byte(catalogue), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	for _, loc := range []string{path, "file://" + path} {
		src := NewSource(loc, 0, logging.Noop())
		sats, err := src.Satellites(context.Background())
		if err != nil {
			t.Fatalf("Satellites(%s): %v", loc, err)
		}
		if len(sats) != 3 {
			t.Fatalf("Satellites(%s) len = %d, want 3", loc, len(sats))
		}
	}

	empty := filepath.Join(t.TempDir(), "empty.tle")
	_ = os.WriteFile(empty, []byte("\n"), 0o600)
	if _, err := NewSource(empty, 0, nil).Satellites(context.Background()); err == nil {
		t.Fatalf("expected error for empty catalogue")
	}
}
