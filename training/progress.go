package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	descStyle   = lipgloss.NewStyle().Bold(true)
	barStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	metricStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// ProgressBar renders step progress of one stage on a single line.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	fmt.Fprint(pb.out, "\r"+pb.Render())
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.current < pb.total {
		pb.current = pb.total
	}
	fmt.Fprintln(pb.out, "\r"+pb.Render())
}

// Render returns the progress line without a carriage return.
func (pb *ProgressBar) Render() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1 {
		percentage = 1
	}
	filled := int(percentage * float64(pb.width))
	bar := barStyle.Render(strings.Repeat("█", filled)) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %3.0f%%|%s| %d/%d ", descStyle.Render(pb.description), percentage*100, bar, pb.current, pb.total)
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("[%s<%s]", formatDuration(elapsed), formatDuration(eta))))

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" " + metricStyle.Render(fmt.Sprintf("%s=%.4g", k, pb.metrics[k])))
	}
	return sb.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// TrainingSession drives the progress bars of a fit run.
type TrainingSession struct {
	out      io.Writer
	epochs   int
	current  int
	progress *ProgressBar
}

// NewTrainingSession returns a session writing to out. A nil out disables
// rendering.
func NewTrainingSession(out io.Writer, epochs int) *TrainingSession {
	return &TrainingSession{out: out, epochs: epochs}
}

// StartStage opens a progress bar for stage of the current epoch.
func (ts *TrainingSession) StartStage(epoch int, stage Stage, steps int) {
	if ts.out == nil {
		return
	}
	ts.current = epoch
	desc := fmt.Sprintf("Epoch %d/%d (%s)", epoch+1, ts.epochs, stage)
	if stage == StageTest || stage == StagePredict {
		desc = stageTitle(stage)
	}
	ts.progress = NewProgressBar(ts.out, desc, steps)
}

// Update advances the open progress bar.
func (ts *TrainingSession) Update(step int, metrics map[string]float64) {
	if ts.progress != nil {
		ts.progress.Update(step, metrics)
	}
}

// FinishStage closes the open progress bar.
func (ts *TrainingSession) FinishStage() {
	if ts.progress != nil {
		ts.progress.Finish()
		ts.progress = nil
	}
}

// PrintEpochSummary writes the epoch metrics, one per line.
func (ts *TrainingSession) PrintEpochSummary(metrics map[string]float64) {
	if ts.out == nil {
		return
	}
	fmt.Fprintln(ts.out, descStyle.Render(fmt.Sprintf("Epoch %d/%d Summary:", ts.current+1, ts.epochs)))
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(ts.out, "  %-32s %.6g\n", k, metrics[k])
	}
}

func stageTitle(stage Stage) string {
	switch stage {
	case StageTest:
		return "Testing"
	case StagePredict:
		return "Predicting"
	default:
		return stage.String()
	}
}
