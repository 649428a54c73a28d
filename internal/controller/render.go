package controller

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/ethan516/trawl/internal/protocol"
)

const menuText = `=== Command Menu ===
Commands:
  shell                  open an OS command shell on the agent
  scan [path] [--copy]   scan the agent for sensitive files
  sysinfo                describe the agent host
  list                   list files collected from the agent
  extract <filename>     write a collected file to disk
  help                   show this menu
Type 'exit' to close the session.`

// ColorEnabled reports whether styled output should be written to f.
func ColorEnabled(f *os.File, noColor bool) bool {
	return !noColor && term.IsTerminal(int(f.Fd()))
}

type styles struct {
	enabled bool

	success     lipgloss.Style
	failure     lipgloss.Style
	info        lipgloss.Style
	warn        lipgloss.Style
	header      lipgloss.Style
	prompt      lipgloss.Style
	shellPrompt lipgloss.Style
	reason      lipgloss.Style
	dim         lipgloss.Style
}

func newStyles(w io.Writer, color bool) styles {
	r := lipgloss.NewRenderer(w)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	return styles{
		enabled:     color,
		success:     r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		failure:     r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		info:        r.NewStyle().Foreground(lipgloss.Color("14")),
		warn:        r.NewStyle().Foreground(lipgloss.Color("11")),
		header:      r.NewStyle().Bold(true).Underline(true),
		prompt:      r.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		shellPrompt: r.NewStyle().Foreground(lipgloss.Color("13")),
		reason:      r.NewStyle().Foreground(lipgloss.Color("11")),
		dim:         r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (st styles) render(style lipgloss.Style, s string) string {
	if !st.enabled {
		return s
	}
	return style.Render(s)
}

// printer writes operator-facing text.
type printer struct {
	w  io.Writer
	st styles
}

func (p printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p printer) infof(format string, args ...any) {
	fmt.Fprintln(p.w, p.st.render(p.st.info, "[controller] "+fmt.Sprintf(format, args...)))
}

func (p printer) warnf(format string, args ...any) {
	fmt.Fprintln(p.w, p.st.render(p.st.warn, "[controller] "+fmt.Sprintf(format, args...)))
}

func (p printer) prompt(text string, shell bool) {
	style := p.st.prompt
	if shell {
		style = p.st.shellPrompt
	}
	fmt.Fprint(p.w, p.st.render(style, text))
}

func (p printer) menu() {
	lines := strings.SplitN(menuText, "\n", 2)
	fmt.Fprintln(p.w, p.st.render(p.st.header, lines[0]))
	fmt.Fprintln(p.w, lines[1])
}

// reply renders a result message. Failed results without output show the
// echoed command.
func (p printer) reply(msg protocol.Message) {
	if msg.Status == protocol.StatusOK {
		fmt.Fprintln(p.w, p.st.render(p.st.success, "SUCCESS"))
		p.output(msg.Output)
	} else {
		fmt.Fprintln(p.w, p.st.render(p.st.failure, "FAILED"))
		switch {
		case msg.Output != "":
			p.output(msg.Output)
		case msg.Echo != "":
			p.line("command failed: %s", msg.Echo)
		}
	}

	if res, ok := msg.ScanResult(); ok {
		p.findings(res)
	}
}

func (p printer) output(out string) {
	if out == "" {
		return
	}
	fmt.Fprintln(p.w, strings.TrimRight(out, "\n"))
}

func (p printer) findings(res protocol.ScanResult) {
	for _, f := range res.Findings {
		copied := ""
		if f.FileContent != "" {
			copied = " " + p.st.render(p.st.dim, "[copied]")
		}
		p.line("  %s %s (%s)%s", p.st.render(p.st.reason, "["+string(f.Reason)+"]"), f.Path, f.Detail, copied)
	}
}

func (p printer) collected(files []CollectedFile) {
	if len(files) == 0 {
		p.infof("No collected files stored.")
		return
	}

	p.infof("%d collected files:", len(files))
	for _, f := range files {
		p.line("  %s", p.st.render(p.st.header, f.Filename))
		p.line("    Original path: %s", f.OriginalPath)
		p.line("    Reason: %s", f.Reason)
		p.line("    Detail: %s", f.Detail)
		p.line("    Size: %d bytes", f.Size)
		p.line("    BLAKE3: %s", f.Checksum)
		p.line("    Timestamp: %s", f.Timestamp.Format("2006-01-02T15:04:05.000000"))
		p.line("")
	}
}
