// Package target picks the pair of reflective-strip outlines that anchors a
// measurement.
//
// Outlines arrive from an external shape filter already reduced to an area
// and an axis-aligned bounding box. Selection rejects outlines outside the
// live area thresholds and ranks the survivors either by area alone or by
// concavity (fill ratio of the bounding box) with area as the tie-break.
// Two survivors are required; a lone strip never produces a Candidate.
//
// Thresholds are swapped at runtime through Selector.SetThresholds, usually
// by a Poller reading the eight-line preferences file.
package target
