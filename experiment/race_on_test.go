//go:build race

package experiment

// raceEnabled skips variants whose lost updates are plain data races;
// the detector would fail the test binary on them.
const raceEnabled = true
