package classifier

import "github.com/chaz8081/flicd/internal/button"

// minSwipe is the smallest accelerometer change counted as movement.
const minSwipe = 24

// recognizeGesture classifies the accelerometer change between the down and
// up samples of one press. A swipe needs one axis to dominate the others by
// a factor of two.
func recognizeGesture(down, up button.Accel) button.Gesture {
	dx := int(up.X) - int(down.X)
	dy := int(up.Y) - int(down.Y)
	dz := int(up.Z) - int(down.Z)
	ax, ay, az := abs(dx), abs(dy), abs(dz)

	if max(ax, ay, az) < minSwipe {
		return button.GestureNone
	}
	switch {
	case ax >= 2*ay && ax >= 2*az:
		if dx < 0 {
			return button.GestureLeft
		}
		return button.GestureRight
	case ay >= 2*ax && ay >= 2*az:
		if dy < 0 {
			return button.GestureDown
		}
		return button.GestureUp
	default:
		return button.GestureUnrecognized
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
