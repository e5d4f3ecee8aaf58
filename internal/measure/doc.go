// Package measure turns a selected target.Candidate into the value sent to
// the controller.
//
// Two variants exist. The angle variant reports the horizontal incidence
// angle between the camera axis and the midpoint of the two strips. The
// positional variant reports the pixel-space midpoint, a pseudo-distance
// derived from the apparent strip separation, and IIR-filtered velocities
// of all three. Which one runs is a configuration choice; it never depends
// on the current Mode.
package measure
