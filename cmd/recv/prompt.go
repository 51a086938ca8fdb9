package recv

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sonhoai27/localsend/internal/localsend/progress"
	"github.com/sonhoai27/localsend/internal/localsend/session"
	"github.com/sonhoai27/localsend/internal/models"
)

const pollInterval = 200 * time.Millisecond

type decider interface {
	Accept(sessionId string, fileIds []string) (models.FileTokens, error)
	Decline(sessionId string) error
}

type progressSource interface {
	Session() (session.Info, bool)
	Progress() *progress.Tracker
}

type receiver interface {
	decider
	progressSource
}

// terminalPrompter asks on the terminal, one proposal at a time.
type terminalPrompter struct {
	mu         sync.Mutex
	recver     receiver
	lines      chan string // closed once input ends
	out        io.Writer
	acceptExt  []string
	autoAccept bool
}

func newTerminalPrompter(recver receiver, in io.Reader, out io.Writer, acceptExt []string, autoAccept bool) *terminalPrompter {
	tp := &terminalPrompter{
		recver:     recver,
		lines:      make(chan string),
		out:        out,
		acceptExt:  acceptExt,
		autoAccept: autoAccept,
	}
	go tp.readLines(in)

	return tp
}

func (tp *terminalPrompter) readLines(in io.Reader) {
	defer close(tp.lines)

	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			tp.lines <- line
		}
		if err != nil {
			return
		}
	}
}

// pending reports whether sessionId still waits for a decision.
func (tp *terminalPrompter) pending(sessionId string) bool {
	info, ok := tp.recver.Session()
	return ok && info.ID == sessionId && info.Pending
}

func (tp *terminalPrompter) Prompt(p session.Proposal) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	files := selectFiles(p.Files, tp.acceptExt)
	if len(files) == 0 {
		slog.Info("Nothing acceptable, declining", "session", p.SessionID, "remote", p.SenderIP)
		tp.decline(p)
		return
	}

	if !tp.autoAccept {
		if !tp.pending(p.SessionID) {
			slog.Info("Proposal already decided", "session", p.SessionID)
			return
		}
		if !tp.ask(p, files) {
			if tp.pending(p.SessionID) {
				tp.decline(p)
			}
			return
		}
	}

	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.Id
	}

	if _, err := tp.recver.Accept(p.SessionID, ids); err != nil {
		slog.Warn("Proposal is no longer pending", "session", p.SessionID, "error", err)
		return
	}

	go watchProgress(tp.recver, p.SessionID, files, tp.out)
}

func (tp *terminalPrompter) decline(p session.Proposal) {
	if err := tp.recver.Decline(p.SessionID); err != nil {
		slog.Warn("Proposal is no longer pending", "session", p.SessionID, "error", err)
	}
}

func (tp *terminalPrompter) ask(p session.Proposal, files []models.FileMeta) bool {
	var total int64
	for _, f := range files {
		total += f.Size
	}

	fmt.Fprintf(tp.out, "\n%s (%s) wants to send %d file(s), %s:\n", p.Sender.Alias, p.SenderIP, len(files), formatBytes(total))
	for _, f := range files {
		fmt.Fprintf(tp.out, "  %s  %s\n", f.Filename, formatBytes(f.Size))
	}
	if skipped := len(p.Files) - len(files); skipped > 0 {
		fmt.Fprintf(tp.out, "  (%d file(s) skipped by extension filter)\n", skipped)
	}
	fmt.Fprint(tp.out, "Accept? [y/N] ")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-tp.lines:
			if !ok {
				return false
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true
			default:
				return false
			}

		// timed out or canceled by the sender
		case <-ticker.C:
			if !tp.pending(p.SessionID) {
				fmt.Fprintln(tp.out, "\nRequest withdrawn")
				return false
			}
		}
	}
}

// selectFiles keeps the files whose extension is allowed. An empty allow
// list keeps everything.
func selectFiles(files []models.FileMeta, allowed []string) []models.FileMeta {
	if len(allowed) == 0 {
		return files
	}

	var res []models.FileMeta
	for _, f := range files {
		ext := filepath.Ext(f.Filename)
		if ext == "" {
			slog.Info("Rejecting file (no extension)", "name", f.Filename)
			continue
		}
		ext = strings.ToLower(ext[1:]) // Remove leading dot
		if !slices.Contains(allowed, ext) {
			slog.Info("Rejecting file (extension not allowed)", "name", f.Filename, "ext", ext)
			continue
		}
		res = append(res, f)
	}

	return res
}

// watchProgress draws one bar for the accepted files of sessionId until the
// session ends or is replaced.
func watchProgress(src progressSource, sessionId string, files []models.FileMeta, out io.Writer) {
	var total int64
	for _, f := range files {
		total += f.Size
	}

	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Receiving"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionFullWidth(),
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		info, ok := src.Session()
		if !ok || info.ID != sessionId {
			bar.Exit()
			return
		}

		bar.Set64(receivedBytes(src.Progress().Snapshot(), files))

		switch info.Status {
		case session.StatusFinished:
			bar.Finish()
			slog.Info("Transfer finished", "session", sessionId, "from", info.Sender.Alias)
			return
		case session.StatusCanceledBySender:
			bar.Exit()
			slog.Info("Transfer canceled by sender", "session", sessionId)
			return
		}
	}
}

func receivedBytes(snapshot map[string]float64, files []models.FileMeta) int64 {
	var n int64
	for _, f := range files {
		n += int64(snapshot[f.Id] * float64(f.Size))
	}
	return n
}

// formatBytes formats bytes into human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
