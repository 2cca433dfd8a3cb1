package store

import (
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/kyjohnso/hilbert-sats/model"
)

// SRID is the spatial reference of every stored point (ECEF, WGS 84).
const SRID = 4978

// encodePoint renders p as a little-endian EWKB POINT Z tagged with SRID.
func encodePoint(p model.Point3D) ([]byte, error) {
	g, err := geom.NewPoint(geom.XYZ).SetSRID(SRID).SetCoords(geom.Coord{p.X, p.Y, p.Z})
	if err != nil {
		return nil, fmt.Errorf("build point: %w", err)
	}
	b, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, fmt.Errorf("encode point: %w", err)
	}
	return b, nil
}

func decodePoint(b []byte) (model.Point3D, error) {
	g, err := ewkb.Unmarshal(b)
	if err != nil {
		return model.Point3D{}, fmt.Errorf("decode point: %w", err)
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return model.Point3D{}, fmt.Errorf("decode point: got %T", g)
	}
	if pt.SRID() != SRID || pt.Layout() != geom.XYZ {
		return model.Point3D{}, fmt.Errorf("decode point: srid %d layout %v, want %d XYZ", pt.SRID(), pt.Layout(), SRID)
	}
	return model.Point3D{X: pt.X(), Y: pt.Y(), Z: pt.Z()}, nil
}
