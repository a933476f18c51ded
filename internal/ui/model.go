// Package ui is the terminal front end of the machine creation wizard.
package ui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/javanstorm/vmdeck/internal/wizard"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// ErrAborted is returned by Run when the user leaves the wizard.
var ErrAborted = errors.New("wizard aborted")

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Width(26)
	focusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	summaryStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// Model walks a wizard.Wizard one step per page.
type Model struct {
	w       *wizard.Wizard
	suggest wizard.NameSuggester

	fields []*field
	focus  int
	err    error

	config  *vmconfig.Configuration
	aborted bool
}

// New returns a Model over w. suggest names the machine when the Name
// field is left blank.
func New(w *wizard.Wizard, suggest wizard.NameSuggester) *Model {
	m := &Model{w: w, suggest: suggest}
	m.load()
	return m
}

// Config returns the generated configuration once the wizard finished.
func (m *Model) Config() *vmconfig.Configuration { return m.config }

// Aborted reports whether the user left without finishing.
func (m *Model) Aborted() bool { return m.aborted }

// Run shows the wizard on the given streams until it finishes.
func Run(w *wizard.Wizard, suggest wizard.NameSuggester, in io.Reader, out io.Writer) (*vmconfig.Configuration, error) {
	m := New(w, suggest)
	if _, err := tea.NewProgram(m, tea.WithInput(in), tea.WithOutput(out)).Run(); err != nil {
		return nil, err
	}
	if m.aborted || m.config == nil {
		return nil, ErrAborted
	}
	return m.config, nil
}

func (m *Model) Init() tea.Cmd { return nil }

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch key.String() {
	case "ctrl+c":
		m.aborted = true
		return m, tea.Quit
	case "esc":
		return m, m.back()
	case "enter":
		return m, m.next()
	case "up", "shift+tab":
		m.move(-1)
		return m, nil
	case "down", "tab":
		m.move(1)
		return m, nil
	case "left", "right", " ":
		f := m.focused()
		if f == nil || f.kind == textField {
			break
		}
		delta := 1
		if key.String() == "left" {
			delta = -1
		}
		m.err = f.cycle(delta)
		if f.reroute {
			focus := m.focus
			m.load()
			m.setFocus(focus)
		}
		return m, nil
	}

	if f := m.focused(); f != nil && f.kind == textField {
		var cmd tea.Cmd
		f.input, cmd = f.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// next saves the page and advances, or generates the configuration on
// the summary page.
func (m *Model) next() tea.Cmd {
	if err := m.commit(); err != nil {
		m.err = err
		return nil
	}
	if m.w.Current() == wizard.StepSummary {
		cfg, err := m.w.Generate(m.suggest)
		if err != nil {
			m.err = err
			return nil
		}
		m.config = cfg
		return tea.Quit
	}
	if _, err := m.w.Next(); err != nil {
		m.err = err
		return nil
	}
	m.err = nil
	m.load()
	return nil
}

func (m *Model) back() tea.Cmd {
	if !m.w.CanGoBack() {
		m.aborted = true
		return tea.Quit
	}
	m.commit()
	m.w.Back()
	m.err = nil
	m.load()
	return nil
}

// commit writes the text fields of the page into the wizard state.
func (m *Model) commit() error {
	for _, f := range m.fields {
		if f.kind != textField {
			continue
		}
		if err := f.apply(f.input.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) load() {
	m.fields = fieldsFor(m.w, m.suggest)
	m.setFocus(0)
}

func (m *Model) focused() *field {
	if m.focus < 0 || m.focus >= len(m.fields) {
		return nil
	}
	return m.fields[m.focus]
}

func (m *Model) move(delta int) {
	if len(m.fields) == 0 {
		return
	}
	m.setFocus((m.focus + delta + len(m.fields)) % len(m.fields))
}

func (m *Model) setFocus(i int) {
	if i >= len(m.fields) {
		i = len(m.fields) - 1
	}
	if i < 0 {
		i = 0
	}
	for j, f := range m.fields {
		if f.kind != textField {
			continue
		}
		if j == i {
			f.input.Focus()
		} else {
			f.input.Blur()
		}
	}
	m.focus = i
}

func (m *Model) View() string {
	var b strings.Builder

	step := m.w.Current()
	path := wizard.Reachable(m.w.State(), m.w.Host())
	pos := 1
	for i, s := range path {
		if s == step {
			pos = i + 1
		}
	}
	fmt.Fprintf(&b, "%s %s\n\n", titleStyle.Render(step.Title()), dimStyle.Render(fmt.Sprintf("(%d/%d)", pos, len(path))))

	if step == wizard.StepSummary {
		b.WriteString(summaryStyle.Render(summary(m.w.State())))
		b.WriteString("\n\n")
	}

	for i, f := range m.fields {
		cursor := "  "
		label := labelStyle.Render(f.label)
		if i == m.focus {
			cursor = focusStyle.Render("> ")
			label = focusStyle.Inherit(labelStyle).Render(f.label)
		}
		fmt.Fprintf(&b, "%s%s %s\n", cursor, label, renderValue(f))
	}

	if m.err != nil {
		fmt.Fprintf(&b, "\n%s\n", errorStyle.Render(m.err.Error()))
	}

	help := "enter next · esc back · tab move · ←/→ change · ctrl+c quit"
	if step == wizard.StepSummary {
		help = "enter create · esc back · ctrl+c quit"
	}
	fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(help))
	return b.String()
}

func renderValue(f *field) string {
	switch f.kind {
	case toggleField:
		if f.value() == "on" {
			return "[x]"
		}
		return "[ ]"
	case choiceField:
		v := f.value()
		if v == "" {
			v = "(choose)"
		}
		return fmt.Sprintf("< %s >", v)
	}
	return f.input.View()
}

// summary describes the collected choices.
func summary(st *wizard.State) string {
	lines := []string{
		fmt.Sprintf("Engine:   %s", st.Engine.DisplayName()),
		fmt.Sprintf("OS:       %s", st.OperatingSystem),
		fmt.Sprintf("Hardware: %d CPUs, %d MB", st.CPUCount, st.MemoryMB),
		fmt.Sprintf("Storage:  %d GiB", st.StorageGiB),
	}
	switch {
	case st.LinuxKernel != "":
		lines = append(lines, fmt.Sprintf("Kernel:   %s", st.LinuxKernel))
	case st.IPSW != "":
		lines = append(lines, fmt.Sprintf("Restore:  %s", st.IPSW))
	}
	if st.BootImage != "" {
		lines = append(lines, fmt.Sprintf("Boot:     %s", st.BootImage))
	}
	if st.SharedDirectory != "" {
		mode := ""
		if st.SharingReadOnly {
			mode = " (read-only)"
		}
		lines = append(lines, fmt.Sprintf("Share:    %s%s", st.SharedDirectory, mode))
	}
	return strings.Join(lines, "\n")
}
