// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/pigeonworks-llc/go-distrogate/pkg/notify"
)

// consolePresenter prints backend output as-is and events styled by severity.
type consolePresenter struct {
	mu  sync.Mutex
	out io.Writer

	lineStyle lipgloss.Style
	styles    map[notify.Severity]lipgloss.Style
	prefixes  map[notify.Severity]string
}

func newConsolePresenter(out io.Writer) *consolePresenter {
	r := lipgloss.NewRenderer(out)
	return &consolePresenter{
		out:       out,
		lineStyle: r.NewStyle().Foreground(lipgloss.Color("8")),
		styles: map[notify.Severity]lipgloss.Style{
			notify.SeverityInfo:    r.NewStyle().Foreground(lipgloss.Color("12")),
			notify.SeveritySuccess: r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
			notify.SeverityWarning: r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
			notify.SeverityError:   r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		},
		prefixes: map[notify.Severity]string{
			notify.SeverityInfo:    "ℹ️  ",
			notify.SeveritySuccess: "✅ ",
			notify.SeverityWarning: "⚠️  ",
			notify.SeverityError:   "❌ ",
		},
	}
}

func (c *consolePresenter) Line(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.lineStyle.Render(strings.TrimRight(text, " \t")))
}

func (c *consolePresenter) Notify(ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	style, ok := c.styles[ev.Severity]
	if !ok {
		style = c.styles[notify.SeverityInfo]
	}
	fmt.Fprintln(c.out, style.Render(c.prefixes[ev.Severity]+ev.Text))
}

// printf writes an unstyled message under the same lock as events.
func (c *consolePresenter) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
