package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/normanking/recall/internal/store"
	"github.com/normanking/recall/pkg/types"
)

// cliStyles holds the lipgloss styles for terminal output.
type cliStyles struct {
	title    lipgloss.Style
	label    lipgloss.Style
	answer   lipgloss.Style
	question lipgloss.Style
	err      lipgloss.Style
	faint    lipgloss.Style
	box      lipgloss.Style
}

var styles = cliStyles{
	title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
	label:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12),
	answer:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
	question: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	err:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	faint:    lipgloss.NewStyle().Faint(true),
	box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(0, 1),
}

func row(label, value string) string {
	return styles.label.Render(label) + value
}

// renderTurn formats a turn result for the terminal.
func renderTurn(r *types.TurnResult) string {
	var lines []string
	switch {
	case r.Outcome == types.OutcomeResolved && r.Candidate != nil:
		label := r.Candidate.Label
		if r.Candidate.LowConfidence {
			label += styles.faint.Render(" (best guess)")
		}
		lines = append(lines,
			row("Answer", styles.answer.Render(label)),
			row("Confidence", fmt.Sprintf("%.0f%%", r.Candidate.Confidence*100)),
		)
		if r.Candidate.Provider != "" {
			lines = append(lines, row("Source", r.Candidate.Provider))
		}
	case r.Outcome == types.OutcomeFollowUp:
		lines = append(lines, row("Question", styles.question.Render(r.Question)))
		if r.Candidate != nil {
			lines = append(lines, row("Leaning", fmt.Sprintf("%s (%.0f%%)", r.Candidate.Label, r.Candidate.Confidence*100)))
		}
	default:
		msg := "unknown error"
		if r.Error != nil {
			msg = r.Error.Message
		}
		lines = append(lines, row("Error", styles.err.Render(msg)))
	}

	if r.Transcript != "" {
		lines = append(lines, row("Heard", fmt.Sprintf("%q", r.Transcript)))
	}
	meta := fmt.Sprintf("%s · %s · %s", r.Intent, r.Duration.Round(time.Millisecond), r.TurnID)
	if r.Cached {
		meta += " · cached"
	}
	lines = append(lines, styles.faint.Render(meta))

	return styles.box.Render(strings.Join(lines, "\n"))
}

// renderHistory formats journaled turns, oldest first.
func renderHistory(conversationID string, records []store.Record) string {
	var b strings.Builder
	b.WriteString(styles.title.Render("Conversation " + conversationID))
	b.WriteString("\n")
	if len(records) == 0 {
		b.WriteString(styles.faint.Render("no turns recorded"))
		return b.String()
	}

	for _, r := range records {
		when := r.SubmittedAt.Local().Format("2006-01-02 15:04:05")
		var detail string
		switch r.Outcome {
		case string(types.OutcomeResolved):
			detail = styles.answer.Render(r.Label) + fmt.Sprintf(" (%.0f%%)", r.Confidence*100)
		case string(types.OutcomeFollowUp):
			detail = styles.question.Render(r.Question)
		default:
			detail = styles.err.Render(r.ErrorKind)
		}
		fmt.Fprintf(&b, "%s  %-16s %-12s %s\n",
			styles.faint.Render(when), r.Modality, r.Intent, detail)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderStats summarizes journal outcome counts.
func renderStats(counts map[string]int) string {
	total := 0
	for _, n := range counts {
		total += n
	}
	resolved := counts[string(types.OutcomeResolved)]
	followUps := counts[string(types.OutcomeFollowUp)]
	errs := counts[string(types.OutcomeError)]

	rate := float64(0)
	if total > 0 {
		rate = float64(resolved) / float64(total) * 100
	}

	var b strings.Builder
	b.WriteString(styles.title.Render("JOURNAL"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s │ %s %s\n",
		styles.label.Render("Turns:"), formatCount(total),
		styles.label.Render("Resolved:"), formatRate(rate))
	fmt.Fprintf(&b, "%s %s │ %s %s",
		styles.label.Render("Follow-ups:"), formatCount(followUps),
		styles.label.Render("Errors:"), formatCount(errs))
	return styles.box.Render(b.String())
}

// formatRate colors a resolution rate.
func formatRate(rate float64) string {
	s := fmt.Sprintf("%.0f%%", rate)
	switch {
	case rate >= 80:
		return styles.answer.Render(s)
	case rate >= 50:
		return styles.question.Render(s)
	}
	return styles.err.Render(s)
}

// formatCount formats large counts with k/M suffixes.
func formatCount(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1000000:
		return fmt.Sprintf("%.1fk", float64(n)/1000.0)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000.0)
}
