package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/dacapoday/clusterbox/msgstore"
	"github.com/emersion/go-message/mail"
	"golang.org/x/term"
)

type row struct {
	id      int
	ref     msgstore.Ref
	date    time.Time
	from    string
	subject string
	size    int64
}

func newRow(id int, ref msgstore.Ref, h msgstore.CacheEntry) row {
	return row{
		id:      id,
		ref:     ref,
		date:    h.Date,
		from:    sender(h.From),
		subject: h.Subject,
		size:    h.Size,
	}
}

func sender(list []*mail.Address) string {
	if len(list) == 0 {
		return "(unknown)"
	}
	if list[0].Name != "" {
		return list[0].Name
	}
	return list[0].Address
}

// line formats the row to at most width columns.
func (r row) line(width int) string {
	date := "----------"
	if !r.date.IsZero() {
		date = r.date.Format(time.DateOnly)
	}
	head := fmt.Sprintf("%5d  %s  %s  ", r.id, date, pad(r.from, 20))
	rest := max(width-len([]rune(head)), 10)
	return head + clip(r.subject, rest)
}

func (r row) matches(query string) bool {
	query = strings.ToLower(query)
	return strings.Contains(strings.ToLower(r.subject), query) ||
		strings.Contains(strings.ToLower(r.from), query)
}

// viewer is a scrolling window over rows. cursor is the selected row, top
// the first visible one.
type viewer struct {
	rows   []row
	top    int
	cursor int
	width  int
	height int
	query  string
	status string
}

// updateSize checks terminal size and returns true if changed.
func (v *viewer) updateSize(fd int) bool {
	w, h, err := term.GetSize(fd)
	if err != nil {
		w, h = 80, 24
	}
	if w == v.width && h == v.height {
		return false
	}
	v.width, v.height = w, h
	v.follow()
	return true
}

func (v *viewer) lines() int {
	return max(v.height-4, 1) // title + separator + separator + status
}

// follow scrolls so that the cursor is visible.
func (v *viewer) follow() {
	if v.cursor < v.top {
		v.top = v.cursor
	}
	if v.cursor >= v.top+v.lines() {
		v.top = v.cursor - v.lines() + 1
	}
}

func (v *viewer) move(delta int) {
	if len(v.rows) == 0 {
		return
	}
	v.cursor = min(max(v.cursor+delta, 0), len(v.rows)-1)
	v.follow()
}

func (v *viewer) down()     { v.move(1) }
func (v *viewer) up()       { v.move(-1) }
func (v *viewer) pageDown() { v.move(v.lines() - 1) }
func (v *viewer) pageUp()   { v.move(1 - v.lines()) }
func (v *viewer) first()    { v.move(-len(v.rows)) }
func (v *viewer) last()     { v.move(len(v.rows)) }

// search moves the cursor to the next row matching query, wrapping around.
// With next set the current row is skipped.
func (v *viewer) search(query string, next bool) {
	if query == "" {
		return
	}
	v.query = query
	start := 0
	if next {
		start = 1
	}
	for i := start; i < len(v.rows)+start; i++ {
		at := (v.cursor + i) % len(v.rows)
		if v.rows[at].matches(query) {
			v.move(at - v.cursor)
			v.status = fmt.Sprintf("match: %s", clip(query, 20))
			return
		}
	}
	v.status = "not found"
}

func (v *viewer) position() string {
	switch {
	case len(v.rows) <= v.lines():
		return "[all]"
	case v.top == 0:
		return "[top]"
	case v.top+v.lines() >= len(v.rows):
		return "[end]"
	}
	return fmt.Sprintf("[%d%%]", 100*v.top/(len(v.rows)-v.lines()))
}

func (v *viewer) render(w io.Writer) {
	var b strings.Builder

	// move to top (no clear)
	b.WriteString("\033[H")

	// header
	fmt.Fprintf(&b, "[ boxview ] %d messages\033[K\r\n", len(v.rows))
	b.WriteString(strings.Repeat("─", v.width))
	b.WriteString("\033[K\r\n")

	for i := range v.lines() {
		at := v.top + i
		switch {
		case at >= len(v.rows):
			b.WriteString("~")
		case at == v.cursor:
			b.WriteString("\033[7m")
			b.WriteString(v.rows[at].line(v.width))
			b.WriteString("\033[0m")
		default:
			b.WriteString(v.rows[at].line(v.width))
		}
		b.WriteString("\033[K\r\n")
	}

	// footer
	b.WriteString(strings.Repeat("─", v.width))
	b.WriteString("\033[K\r\n")

	if v.status != "" {
		fmt.Fprintf(&b, " %s %s", v.status, v.position())
	} else {
		fmt.Fprintf(&b, " j/k:scroll g/G:jump enter:show /:search n:next q:quit %s", v.position())
	}
	b.WriteString("\033[K")

	io.WriteString(w, b.String())
}

// show pages through the selected message until q or Esc.
func (v *viewer) show(store *msgstore.Store, reader *bufio.Reader) {
	if len(v.rows) == 0 {
		return
	}
	raw, err := store.Load(v.rows[v.cursor].ref)
	if err != nil {
		v.status = err.Error()
		return
	}

	text := messageLines(raw, v.width)
	top := 0
	for {
		var b strings.Builder
		b.WriteString("\033[H")
		for i := range v.height - 1 {
			if top+i < len(text) {
				b.WriteString(text[top+i])
			} else {
				b.WriteString("~")
			}
			b.WriteString("\033[K\r\n")
		}
		fmt.Fprintf(&b, " message %d  j/k:scroll q:back\033[K", v.rows[v.cursor].id)
		io.WriteString(os.Stdout, b.String())

		c, err := reader.ReadByte()
		if err != nil {
			return
		}
		switch c {
		case 'q', 27, 3:
			for reader.Buffered() > 0 { // drop the rest of an escape sequence
				reader.ReadByte()
			}
			return
		case 'j', ' ':
			if top+v.height-1 < len(text) {
				top++
			}
		case 'k':
			if top > 0 {
				top--
			}
		}
	}
}

// messageLines splits raw into display lines no wider than width.
func messageLines(raw []byte, width int) []string {
	var lines []string
	for line := range bytes.Lines(raw) {
		s := strings.TrimRight(string(line), "\r\n")
		s = strings.Map(func(r rune) rune {
			if r == '\t' {
				return ' '
			}
			if !unicode.IsPrint(r) {
				return '.'
			}
			return r
		}, s)
		runes := []rune(s)
		for len(runes) > width && width > 0 {
			lines = append(lines, string(runes[:width]))
			runes = runes[width:]
		}
		lines = append(lines, string(runes))
	}
	return lines
}

// clip truncates s to maxLen runes.
func clip(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:max(maxLen-3, 0)]) + "..."
	}
	return s
}

func pad(s string, n int) string {
	s = clip(s, n)
	return s + strings.Repeat(" ", n-len([]rune(s)))
}
