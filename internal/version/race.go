//go:build race

package version

// isRace is true if the binary is built with the race detector.
const isRace = true
