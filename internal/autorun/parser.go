package autorun

import (
	"regexp"
	"strings"
)

// Task is one checkbox line extracted from a playbook document.
type Task struct {
	// Text is the task body with surrounding whitespace stripped.
	Text string
	// LineIndex is the 0-based line the task was found on, captured at
	// plan time and verified again at mark-done time.
	LineIndex int
	// Indent is the leading whitespace, preserved on rewrite.
	Indent string
	// Checked reports an already-completed task ([x]).
	Checked bool
	// RawLine is the full original line.
	RawLine string
}

// taskLineRe matches checkbox lines at any indent. The box is a single
// space (unchecked) or x/X (checked).
var taskLineRe = regexp.MustCompile(`^(\s*)- \[([ xX])\] (.+)$`)

var fenceRe = regexp.MustCompile("^\\s*(```|~~~)")

// ParseDocument extracts every checkbox task from markdown content. Lines
// inside fenced code blocks are ignored.
func ParseDocument(content string) []Task {
	var tasks []Task
	inFence := false
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if fenceRe.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		m := taskLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		tasks = append(tasks, Task{
			Text:      strings.TrimSpace(m[3]),
			LineIndex: i,
			Indent:    m[1],
			Checked:   m[2] != " ",
			RawLine:   line,
		})
	}
	return tasks
}

// UncheckedTasks filters a parse result down to pending tasks.
func UncheckedTasks(tasks []Task) []Task {
	var out []Task
	for _, t := range tasks {
		if !t.Checked {
			out = append(out, t)
		}
	}
	return out
}

// CheckLine rewrites exactly one line of a document, switching its
// checkbox from [ ] to [x]. The captured line must still match; when the
// file has diverged the content is re-parsed and the task located by text.
// Returns the updated content and whether the task line was found.
func CheckLine(content string, task Task) (string, bool) {
	lines := strings.Split(content, "\n")

	if task.LineIndex < len(lines) && lines[task.LineIndex] == task.RawLine {
		lines[task.LineIndex] = checkedLine(task)
		return strings.Join(lines, "\n"), true
	}

	// File diverged since plan time: search for the task text.
	for _, candidate := range ParseDocument(content) {
		if !candidate.Checked && candidate.Text == task.Text {
			lines[candidate.LineIndex] = checkedLine(candidate)
			return strings.Join(lines, "\n"), true
		}
	}
	return content, false
}

func checkedLine(task Task) string {
	return task.Indent + "- [x] " + task.Text
}
