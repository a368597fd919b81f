package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

// EarthRadiusKm is the mean Earth radius used to turn an ECEF position into
// an altitude.
const EarthRadiusKm = 6371.0

var ErrInvalidTLE = errors.New("invalid TLE")

// Vec3 is an ECEF-style vector in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// GatewayModel places the receiving gateway at a given instant.
type GatewayModel interface {
	Position(at time.Time) model.Position
}

// StaticGateway is a terrestrial gateway at a fixed map position.
type StaticGateway struct {
	At model.Position
}

// Position for a static gateway ignores the time.
func (g StaticGateway) Position(time.Time) model.Position { return g.At }

// OrbitalGateway is a satellite gateway propagated with SGP4. Only its
// altitude is taken from the orbit; the sub-satellite point is held over
// the map centre.
type OrbitalGateway struct {
	sat    satellite.Satellite
	centre model.Position
}

// NewOrbitalGatewayFromTLE constructs an orbital gateway from TLE lines.
func NewOrbitalGatewayFromTLE(line1, line2 string, centre model.Position) (*OrbitalGateway, error) {
	line1, line2 = strings.TrimSpace(line1), strings.TrimSpace(line2)
	if len(line1) != 69 || len(line2) != 69 || line1[0] != '1' || line2[0] != '2' {
		return nil, fmt.Errorf("%w: expected two 69 character lines starting with 1 and 2", ErrInvalidTLE)
	}
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	return &OrbitalGateway{sat: sat, centre: centre}, nil
}

// AltitudeKm propagates the satellite to at and returns its height above the
// mean Earth sphere.
func (g *OrbitalGateway) AltitudeKm(at time.Time) float64 {
	at = at.UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	posECI, _ := satellite.Propagate(g.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	return Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z}.Norm() - EarthRadiusKm
}

// Position returns the gateway over the map centre at its orbital altitude,
// in metres.
func (g *OrbitalGateway) Position(at time.Time) model.Position {
	const kmToM = 1000.0
	return model.Position{X: g.centre.X, Y: g.centre.Y, Z: g.AltitudeKm(at) * kmToM}
}

// NewGatewayModel chooses the orbital model when both TLE lines are set,
// otherwise a static gateway at pos.
func NewGatewayModel(pos, centre model.Position, tle1, tle2 string) (GatewayModel, error) {
	if tle1 != "" && tle2 != "" {
		return NewOrbitalGatewayFromTLE(tle1, tle2, centre)
	}
	return StaticGateway{At: pos}, nil
}
