// Package creditmetrics turns a raw bureau report into the flat rollup stored
// on a user's credit profile.
//
// Derivation is pure: no I/O, no wall clock. Every trailing window is measured
// from the report's own inquiry timestamp so that re-deriving an archived
// report yields the same figures. Any structural surprise in the report
// abandons derivation and returns Default together with an error; callers
// must record that outcome rather than persisting the zeros as a clean file.
package creditmetrics
