package transcode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress bounds while the tool is decoding: the pipeline owns the phases
// below 15 and above 95.
const (
	streamFloor = 15
	streamCeil  = 95
)

// Synthetic gradient used when the source never reports a total duration.
const (
	syntheticStep     = 5
	syntheticCeil     = 85
	syntheticInterval = 500 * time.Millisecond
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d{2,}:\d{2}:\d{2}\.\d+)`)
	timeRe     = regexp.MustCompile(`time=\s*(\d{2,}:\d{2}:\d{2}\.\d+)`)
	speedRe    = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// fatalMarkers are stderr fragments that indicate the conversion cannot
// succeed. Matched case-insensitively.
var fatalMarkers = []string{
	"invalid data found when processing input",
	"error while decoding",
	"conversion failed",
	"unable to find a suitable output format",
	"no such file or directory",
	"invalid argument",
	"could not write header",
}

// startMarkers indicate the tool crossed from probing into processing.
var startMarkers = []string{
	"Stream mapping:",
	"Press [q] to stop",
}

// Event is one progress observation parsed from the tool's stderr.
type Event struct {
	// Progress is the 15..95 clamped percentage, or a synthetic estimate
	// when no total duration was ever reported.
	Progress int
	// CurrentTime is the transcoder's position clock, HH:MM:SS.ss.
	CurrentTime string
	// TotalDuration is the latched source duration, if observed.
	TotalDuration string
	// EstimatedRemainingSec derives from position, total and reported speed.
	EstimatedRemainingSec int
	// Started is set once when the processing boundary markers appear.
	Started bool
	// Err is non-nil when a fatal marker was seen; parsing continues so the
	// final tool output is still drained.
	Err error
}

// Parser converts transcoder stderr into progress events. Emissions are
// debounced: an event with the same progress value as the previous one is
// suppressed unless it carries a new error or the start marker.
type Parser struct {
	emit func(Event)

	total    time.Duration
	totalStr string
	started  bool
	lastPct  int

	synthetic     int
	syntheticTick time.Time

	tail []string

	now func() time.Time
}

// NewParser creates a parser that calls emit for each progress change.
func NewParser(emit func(Event)) *Parser {
	return &Parser{
		emit:    emit,
		lastPct: -1,
		now:     time.Now,
	}
}

// Tail returns the last stderr lines seen, for error reporting.
func (p *Parser) Tail() string {
	return strings.Join(p.tail, "\n")
}

// Run consumes r line by line until EOF. The tool terminates progress lines
// with carriage returns, so the scanner splits on both CR and LF.
func (p *Parser) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanCRLF)

	for scanner.Scan() {
		p.consumeLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transcoder stderr: %w", err)
	}
	return nil
}

func (p *Parser) consumeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	p.remember(line)

	lower := strings.ToLower(line)
	for _, marker := range fatalMarkers {
		if strings.Contains(lower, marker) {
			p.emit(Event{Progress: p.lastPct, Err: fmt.Errorf("transcoder: %s", line)})
			return
		}
	}

	if !p.started {
		for _, marker := range startMarkers {
			if strings.Contains(line, marker) {
				p.started = true
				p.emit(Event{Progress: max(p.lastPct, 0), Started: true})
				break
			}
		}
	}

	if p.total == 0 {
		if m := durationRe.FindStringSubmatch(line); m != nil {
			if d, err := parseClock(m[1]); err == nil && d > 0 {
				p.total = d
				p.totalStr = m[1]
			}
		}
	}

	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	current, err := parseClock(m[1])
	if err != nil {
		return
	}

	if p.total > 0 {
		pct := int(math.Round(math.Min(streamCeil, math.Max(streamFloor, 100*current.Seconds()/p.total.Seconds()))))
		if pct == p.lastPct {
			return
		}
		p.lastPct = pct
		p.emit(Event{
			Progress:              pct,
			CurrentTime:           m[1],
			TotalDuration:         p.totalStr,
			EstimatedRemainingSec: p.estimateRemaining(line, current),
		})
		return
	}

	// No duration was ever reported; advance a bounded synthetic gradient so
	// the channel is never frozen.
	if now := p.now(); p.syntheticTick.IsZero() || now.Sub(p.syntheticTick) >= syntheticInterval {
		p.syntheticTick = now
		p.synthetic = min(p.synthetic+syntheticStep, syntheticCeil)
	}
	if p.synthetic == p.lastPct {
		return
	}
	p.lastPct = p.synthetic
	p.emit(Event{Progress: p.synthetic, CurrentTime: m[1]})
}

func (p *Parser) estimateRemaining(line string, current time.Duration) int {
	left := p.total - current
	if left <= 0 {
		return 0
	}
	speed := 1.0
	if m := speedRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			speed = v
		}
	}
	return int(math.Ceil(left.Seconds() / speed))
}

func (p *Parser) remember(line string) {
	const tailLen = 8
	p.tail = append(p.tail, line)
	if len(p.tail) > tailLen {
		p.tail = p.tail[len(p.tail)-tailLen:]
	}
}

// parseClock parses HH:MM:SS.ss into a duration.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed clock %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed clock %q", s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed clock %q", s)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed clock %q", s)
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second)), nil
}

// scanCRLF splits on either \r or \n so in-place progress updates become
// separate lines.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
