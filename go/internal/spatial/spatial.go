package spatial

import "math"

// Grid describes the shared 2-D plane clients are placed on.
const (
	GridSize    = 100.0
	GridOriginX = 50.0
	GridOriginY = 50.0

	// CircleRadius is the radius of both the client layout circle and the
	// listening source orbit.
	CircleRadius = 25.0

	// OrbitStep is the angle the listening source advances per loop tick.
	OrbitStep = math.Pi / 30
)

// Position is a point on the grid.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Origin returns the grid center.
func Origin() Position {
	return Position{X: GridOriginX, Y: GridOriginY}
}

// InitialPosition is where a client is placed before the layout pass runs.
func InitialPosition() Position {
	return Position{X: GridOriginX, Y: GridOriginY - CircleRadius}
}

// Clamp keeps p inside [0, GridSize] on both axes.
func Clamp(p Position) Position {
	return Position{
		X: math.Min(GridSize, math.Max(0, p.X)),
		Y: math.Min(GridSize, math.Max(0, p.Y)),
	}
}

// Distance returns the euclidean distance between a and b.
func Distance(a, b Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// CircleLayout returns n positions evenly spaced on a circle of CircleRadius
// around the origin, the first one at the top of the grid.
func CircleLayout(n int) []Position {
	positions := make([]Position, n)
	for i := 0; i < n; i++ {
		angle := -math.Pi/2 + 2*math.Pi*float64(i)/float64(n)
		positions[i] = Clamp(Position{
			X: GridOriginX + CircleRadius*math.Cos(angle),
			Y: GridOriginY + CircleRadius*math.Sin(angle),
		})
	}
	return positions
}

// OrbitPosition returns the listening source position for the given loop tick.
func OrbitPosition(loopCount int) Position {
	angle := float64(loopCount) * OrbitStep
	return Position{
		X: GridOriginX + CircleRadius*math.Cos(angle),
		Y: GridOriginY + CircleRadius*math.Sin(angle),
	}
}
