package transcode

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// recordedArgs builds the transcoder argument vector for recorded content.
// Output is an HLS directory with an unbounded playlist that gains its
// terminator when the input is exhausted.
func recordedArgs(inputURL string, segmentDuration int, outputDir string) []string {
	return []string{
		"-i", inputURL,
		"-c:v", "h264",
		"-preset", "veryfast",
		"-crf", "23",
		"-maxrate", "5000k",
		"-bufsize", "10000k",
		"-g", "48",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentDuration),
		"-hls_list_size", "0",
		"-hls_flags", "append_list",
		"-hls_segment_filename", filepath.Join(outputDir, "segment%04d.ts"),
		filepath.Join(outputDir, PlaylistName),
	}
}

// segmentName returns the canonical name of the nth recorded segment.
func segmentName(n int) string {
	return fmt.Sprintf("segment%04d.ts", n)
}
