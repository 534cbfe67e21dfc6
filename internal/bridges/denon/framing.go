package denon

import "strings"

// splitFrames appends chunk to the buffered tail and splits the result on sep.
//
// Every complete frame is returned in arrival order; the trailing fragment
// (which never contains sep) is returned as the new tail. Empty frames, as
// produced by back-to-back separators, are dropped.
func splitFrames(buffered, chunk, sep string) (frames []string, rest string) {
	data := buffered + chunk
	parts := strings.Split(data, sep)
	rest = parts[len(parts)-1]

	for _, part := range parts[:len(parts)-1] {
		if part != "" {
			frames = append(frames, part)
		}
	}
	return frames, rest
}
