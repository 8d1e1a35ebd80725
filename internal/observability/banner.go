package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

var startTime = time.Now()

// Terminal layout for serve --dashboard: banner on rows 1-8, the status
// line on row statusRow, logs scroll from logRow down.
const (
	statusRow = 10
	logRow    = 12
)

var (
	accent = text.Colors{text.FgHiCyan}
	warn   = text.Colors{text.FgHiMagenta}
	dim    = text.Colors{text.Faint}
)

// termMu serialises log writes with the status line's cursor save/restore.
var termMu sync.Mutex

type termWriter struct{}

func (termWriter) Write(p []byte) (int, error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns a writer for log.SetOutput that never interleaves
// with PrintLiveStatus.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

const banner = `
  __  __ ___ ___ ___ ___ ___  _  _    ___ _____ _
 |  \/  |_ _/ __/ __|_ _/ _ \| \| |  / __|_   _| |
 | |\/| || |\__ \__ \| | (_) | .' | | (__  | | | |__
 |_|  |_|___|___/___/___\___/|_|\_|  \___| |_| |____|
`

func PrintBanner() {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		width = w
	}
	fmt.Print("\033[2J\033[H")
	for _, l := range strings.Split(banner, "\n") {
		pad := (width - len(l)) / 2
		if pad < 0 {
			pad = 0
		}
		fmt.Println(strings.Repeat(" ", pad) + accent.Sprint(l))
	}
}

func InitializeTerminal() {
	fmt.Printf("\033[%d;r\033[%d;1H", logRow, logRow)
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// PrintLiveStatus redraws the status line from the current snapshot.
func PrintLiveStatus() {
	line := StatusLine(GetSnapshot(), time.Now())
	termMu.Lock()
	fmt.Printf("\033[s\033[%d;1H\033[K%s\033[u", statusRow, line)
	termMu.Unlock()
}

// StatusLine renders a snapshot as one dashboard row.
func StatusLine(s Snapshot, now time.Time) string {
	pulse := accent.Sprint("HEALTHY")
	switch age := now.Sub(s.LastHeartbeat); {
	case age >= 90*time.Second:
		pulse = warn.Sprint("OFFLINE")
	case age >= 40*time.Second:
		pulse = warn.Sprint("LAGGING")
	}

	var work string
	switch {
	case len(s.Active) > 0:
		a := s.Active[0]
		work = "EXECUTING " + shortID(a.PlanID)
		if a.StepID != "" {
			work += fmt.Sprintf(" step %s (attempt %d)", a.StepID, a.Attempt)
		}
		if len(s.Active) > 1 {
			work += fmt.Sprintf(" +%d", len(s.Active)-1)
		}
	case s.Role == RolePlanner:
		work = "PLANNING " + text.Snip(s.Task, 30, "...")
	default:
		work = string(RoleIdle)
	}

	tally := fmt.Sprintf("completed %d", s.Completed)
	if s.Failed > 0 {
		tally += " " + warn.Sprintf("failed %d", s.Failed)
	} else {
		tally += " failed 0"
	}
	tally += fmt.Sprintf(" cancelled %d", s.Cancelled)

	return fmt.Sprintf("[%s] %s | %s | %s | %s",
		s.LastHeartbeat.Format("15:04:05"), pulse, work, tally,
		dim.Sprintf("up %s", now.Sub(startTime).Round(time.Second)))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
