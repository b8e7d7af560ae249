// Package audio provides fast WAV container inspection for the
// transcription pipeline. Durations are read directly from fixed header
// offsets; the audio payload is never decoded.
package audio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Header field offsets in a canonical 44-byte PCM WAV header.
const (
	byteRateOffset = 28
	dataSizeOffset = 40
)

// DurationSeconds returns the audio duration of a WAV file computed from
// the header byte-rate and data-size fields.
func DurationSeconds(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	riff := make([]byte, 4)
	if _, err := f.ReadAt(riff, 0); err != nil {
		return 0, fmt.Errorf("reading RIFF marker: %w", err)
	}
	if string(riff) != "RIFF" {
		return 0, fmt.Errorf("not a WAV file")
	}

	var field [4]byte
	if _, err := f.ReadAt(field[:], byteRateOffset); err != nil {
		return 0, fmt.Errorf("reading byte rate: %w", err)
	}
	byteRate := binary.LittleEndian.Uint32(field[:])

	if _, err := f.ReadAt(field[:], dataSizeOffset); err != nil {
		return 0, fmt.Errorf("reading data size: %w", err)
	}
	dataSize := binary.LittleEndian.Uint32(field[:])

	if byteRate == 0 {
		return 0, fmt.Errorf("invalid byte rate: %d", byteRate)
	}

	return float64(dataSize) / float64(byteRate), nil
}
