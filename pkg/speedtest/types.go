package speedtest

import "time"

// Result is a single speed probe measurement against the best available server.
//
// Rates are raw bytes per second as reported by speedtest-go; callers convert
// to the unit they display.
type Result struct {
	Timestamp time.Time

	DownloadBytesPerSec float64
	UploadBytesPerSec   float64
	PingMs              float64
	JitterMs            float64

	// Sample standard deviation across repeats (0 when Repeats == 1).
	DownloadStdDevBytesPerSec float64
	UploadStdDevBytesPerSec   float64
	Repeats                   int

	ISP           string
	ServerName    string
	ServerCountry string
	ServerHost    string

	Duration       time.Duration
	CandidateCount int
}
