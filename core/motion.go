package core

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/kyjohnso/hilbert-sats/model"
)

// PositionResolution is the finest instant go-satellite propagates to.
// Snapshot instants are truncated to it so a stored timestamp is exactly
// the time its position was computed for.
const PositionResolution = time.Second

// PositionProvider reports the fleet's positions at one shared instant.
// Entities whose position cannot be computed are returned as EntityErrors
// and are absent from the states. A non-nil error means the provider itself
// was unavailable and wraps ErrFetch.
type PositionProvider interface {
	Positions(ctx context.Context, at time.Time) ([]RawState, []EntityError, error)
}

// SatelliteSource lists the element sets of the tracked fleet.
type SatelliteSource interface {
	Satellites(ctx context.Context) ([]model.Satellite, error)
}

// OrbitalSGP4MotionModel propagates one element set with SGP4.
type OrbitalSGP4MotionModel struct {
	sat satellite.Satellite
}

// elementLineLen is the column count go-satellite slices up to.
const elementLineLen = 69

// CheckElementSet parses every numeric field go-satellite reads from the two
// lines, using the same column slices. go-satellite exits the process on a
// field it cannot parse, so sets must pass this check before TLEToSat.
func CheckElementSet(line1, line2 string) error {
	if len(line1) < elementLineLen || len(line2) < elementLineLen {
		return fmt.Errorf("%w: element lines must be %d columns, got %d and %d",
			ErrFetch, elementLineLen, len(line1), len(line2))
	}
	squeeze := func(s string) string { return strings.Replace(s, " ", "", 2) }
	ints := []struct{ name, v string }{
		{"catalog number", strings.TrimSpace(line1[2:7])},
		{"epoch year", line1[18:20]},
	}
	for _, f := range ints {
		if _, err := strconv.ParseInt(f.v, 10, 0); err != nil {
			return fmt.Errorf("%w: line 1 %s %q: %v", ErrFetch, f.name, f.v, err)
		}
	}
	floats := []struct {
		line int
		name string
		v    string
	}{
		{1, "epoch day", line1[20:32]},
		{1, "mean motion derivative", squeeze(line1[33:43])},
		{1, "mean motion second derivative", squeeze(line1[44:45] + "." + line1[45:50] + "e" + line1[50:52])},
		{1, "bstar", squeeze(line1[53:54] + "." + line1[54:59] + "e" + line1[59:61])},
		{2, "inclination", squeeze(line2[8:16])},
		{2, "right ascension", squeeze(line2[17:25])},
		{2, "eccentricity", "." + line2[26:33]},
		{2, "argument of perigee", squeeze(line2[34:42])},
		{2, "mean anomaly", squeeze(line2[43:51])},
		{2, "mean motion", squeeze(line2[52:63])},
	}
	for _, f := range floats {
		if _, err := strconv.ParseFloat(f.v, 64); err != nil {
			return fmt.Errorf("%w: line %d %s %q: %v", ErrFetch, f.line, f.name, f.v, err)
		}
	}
	return nil
}

// NewOrbitalModelFromTLE constructs an orbital model from TLE lines.
// Malformed element sets are rejected; panics inside go-satellite are
// reported as errors.
func NewOrbitalModelFromTLE(line1, line2 string) (m *OrbitalSGP4MotionModel, err error) {
	if err := CheckElementSet(line1, line2); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: parse element set: %v", ErrFetch, r)
		}
	}()
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	return &OrbitalSGP4MotionModel{sat: sat}, nil
}

// PositionAt propagates the satellite to t and returns its ECEF position.
// go-satellite works in kilometres and whole seconds; positions are returned
// in metres and sub-second parts of t are ignored.
func (m *OrbitalSGP4MotionModel) PositionAt(t time.Time) (pos model.Point3D, err error) {
	defer func() {
		if r := recover(); r != nil {
			pos, err = model.Point3D{}, fmt.Errorf("%w: propagate: %v", ErrFetch, r)
		}
	}()
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	const kmToM = 1000.0
	pos = model.Point3D{
		X: posECEF.X * kmToM,
		Y: posECEF.Y * kmToM,
		Z: posECEF.Z * kmToM,
	}
	if !finite(pos) || (pos.X == 0 && pos.Y == 0 && pos.Z == 0) {
		return model.Point3D{}, fmt.Errorf("%w: propagation produced no position", ErrFetch)
	}
	return pos, nil
}

func finite(p model.Point3D) bool {
	for _, v := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// SGP4Provider is a PositionProvider that propagates every element set from
// a SatelliteSource to the requested instant. Parsed models are cached per
// element set.
type SGP4Provider struct {
	source SatelliteSource

	mu     sync.Mutex
	models map[string]*OrbitalSGP4MotionModel
}

// NewSGP4Provider constructs a provider over source.
func NewSGP4Provider(source SatelliteSource) *SGP4Provider {
	return &SGP4Provider{
		source: source,
		models: make(map[string]*OrbitalSGP4MotionModel),
	}
}

// Positions implements PositionProvider.
func (p *SGP4Provider) Positions(ctx context.Context, at time.Time) ([]RawState, []EntityError, error) {
	sats, err := p.source.Satellites(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: list satellites: %v", ErrFetch, err)
	}
	at = at.UTC().Truncate(PositionResolution)

	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]*OrbitalSGP4MotionModel, len(sats))
	states := make([]RawState, 0, len(sats))
	var errs []EntityError
	for _, s := range sats {
		key := s.Line1 + "\n" + s.Line2
		m, ok := p.models[key]
		if !ok {
			m, err = NewOrbitalModelFromTLE(s.Line1, s.Line2)
			if err != nil {
				errs = append(errs, EntityError{SatNum: s.SatNum, Name: s.Name, Err: err})
				continue
			}
		}
		live[key] = m

		pos, err := m.PositionAt(at)
		if err != nil {
			errs = append(errs, EntityError{SatNum: s.SatNum, Name: s.Name, Err: err})
			continue
		}
		states = append(states, RawState{
			SatNum:     s.SatNum,
			Name:       s.Name,
			ObservedAt: at,
			Position:   pos,
		})
	}
	// Drop models for element sets that were superseded or removed.
	p.models = live
	return states, errs, nil
}
