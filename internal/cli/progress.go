package cli

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// A small terminal progress bar for downloads, drawn on stderr:
// [##########----------]  50.0% | 512.0 KB / 1.0 MB

const barWidth = 20

type progressBar struct {
	started time.Time
	drawn   bool
}

func newProgressBar() *progressBar {
	return &progressBar{started: time.Now()}
}

func (p *progressBar) render(done, total int64) {
	p.drawn = true
	if total <= 0 {
		fmt.Fprintf(os.Stderr, "\r  %s downloaded", formatBytes(done))
		return
	}

	pct := float64(done) / float64(total) * 100
	filled := int(float64(barWidth) * float64(done) / float64(total))
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Fprintf(os.Stderr, "\r[%s] %5.1f%% | %s / %s",
		bar, pct, formatBytes(done), formatBytes(total))
}

func (p *progressBar) finish(done, total int64, state string) {
	if !p.drawn {
		return
	}
	p.render(done, total)
	fmt.Fprintf(os.Stderr, " (%s, %s)\n", state, time.Since(p.started).Round(time.Second))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
