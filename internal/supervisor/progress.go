package supervisor

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"stream-orchestrator/internal/models"
)

// progressParser accumulates ffmpeg "-progress" key=value lines. Each
// "progress=" line closes a block.
type progressParser struct {
	current models.JobMetrics
}

// feed consumes one line and returns a completed block when the line closed
// one.
func (p *progressParser) feed(line string) (models.JobMetrics, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return models.JobMetrics{}, false
	}
	value = strings.TrimSpace(value)
	switch key {
	case "frame":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.current.Frames = n
		}
	case "fps":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			p.current.CurrentFPS = f
		}
	case "bitrate":
		if f, err := strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64); err == nil {
			p.current.CurrentKbps = f
		}
	case "out_time":
		if value != "N/A" {
			p.current.Timemark = value
		}
	case "speed":
		if f, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil {
			p.current.Speed = f
		}
	case "progress":
		block := p.current
		block.UpdatedAt = time.Now().UTC()
		return block, true
	}
	return models.JobMetrics{}, false
}

// scanProgress reads r until EOF, calling emit for every completed block.
func scanProgress(r io.Reader, emit func(models.JobMetrics)) error {
	var parser progressParser
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if block, ok := parser.feed(scanner.Text()); ok {
			emit(block)
		}
	}
	return scanner.Err()
}
