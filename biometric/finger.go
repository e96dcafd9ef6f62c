package biometric

import "fmt"

// Finger designates one of the ten enrollable fingers.
type Finger int

const (
	FingerUnknown Finger = iota
	LeftThumb
	LeftIndex
	LeftMiddle
	LeftRing
	LeftLittle
	RightThumb
	RightIndex
	RightMiddle
	RightRing
	RightLittle

	fingerFirst = LeftThumb
	fingerLast  = RightLittle
)

var fingerNames = [...]string{
	FingerUnknown: "unknown",
	LeftThumb:     "left-thumb",
	LeftIndex:     "left-index-finger",
	LeftMiddle:    "left-middle-finger",
	LeftRing:      "left-ring-finger",
	LeftLittle:    "left-little-finger",
	RightThumb:    "right-thumb",
	RightIndex:    "right-index-finger",
	RightMiddle:   "right-middle-finger",
	RightRing:     "right-ring-finger",
	RightLittle:   "right-little-finger",
}

// Valid reports whether f designates a concrete finger.
func (f Finger) Valid() bool {
	return f >= fingerFirst && f <= fingerLast
}

func (f Finger) String() string {
	if f == FingerAny {
		return "any"
	}
	if !f.Valid() {
		return fingerNames[FingerUnknown]
	}
	return fingerNames[f]
}

// FingerAny stands for "whatever finger is enrolled"; it never identifies a
// stored template.
const FingerAny Finger = -1

// FingerFromName maps a wire-level finger name to a Finger. An empty name or
// "any" maps to FingerAny, as does anything unrecognized, matching the
// permissive behavior clients rely on.
func FingerFromName(name string) Finger {
	if name == "" || name == "any" {
		return FingerAny
	}
	for i := fingerFirst; i <= fingerLast; i++ {
		if fingerNames[i] == name {
			return i
		}
	}
	return FingerAny
}

// Fingers returns every concrete finger in enrollment order.
func Fingers() []Finger {
	out := make([]Finger, 0, int(fingerLast))
	for i := fingerFirst; i <= fingerLast; i++ {
		out = append(out, i)
	}
	return out
}

// Hex returns the single-digit hex code used as the on-disk file name for f.
func (f Finger) Hex() string {
	return fmt.Sprintf("%x", int(f))
}

// FingerFromHex parses a single-digit hex code back into a Finger. ok is
// false for anything that is not a valid stored finger code.
func FingerFromHex(s string) (Finger, bool) {
	if len(s) != 1 {
		return FingerUnknown, false
	}
	var v int
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return FingerUnknown, false
	}
	f := Finger(v)
	return f, f.Valid()
}
