// boxview is a simple terminal browser for message stores.
//
// Usage:
//
//	boxview <dir>              # interactive mode
//	boxview -l <dir>           # list mode (print all)
//	boxview -l -n 20 <dir>     # list first 20 messages
//
// Interactive mode:
//
//	j/↓    scroll down
//	k/↑    scroll up
//	g      jump to first
//	G      jump to last
//	Enter  show the selected message
//	/      search subject and sender (substring match)
//	n      next match
//	q/Esc  quit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dacapoday/clusterbox/msgstore"
	"golang.org/x/term"
)

func main() {
	listFlag := flag.Bool("l", false, "list mode (non-interactive)")
	countFlag := flag.Int("n", 0, "number of messages (0 = all)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: boxview [-l] [-n count] <dir>")
		os.Exit(1)
	}

	store, rows, err := open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *listFlag {
		runList(os.Stdout, rows, *countFlag)
		return
	}
	if err = runInteractive(store, rows); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// open opens the store in dir read-only and loads a row per indexed message.
func open(dir string) (*msgstore.Store, []row, error) {
	index, err := msgstore.LoadIndex(filepath.Join(dir, msgstore.IndexFile))
	if err != nil {
		return nil, nil, err
	}
	cfg := index.Config(dir)
	cfg.ReadOnly = true
	store, err := msgstore.Open(cfg)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]row, 0, len(index.Refs))
	for i, ref := range index.Refs {
		h, err := store.Header(ref)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("message %d: %w", i, err)
		}
		rows = append(rows, newRow(i, ref, h))
	}
	return store, rows, nil
}

func runList(w io.Writer, rows []row, count int) {
	for i, r := range rows {
		if count > 0 && i >= count {
			break
		}
		fmt.Fprintln(w, r.line(100))
	}
}

func runInteractive(store *msgstore.Store, rows []row) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	v := &viewer{rows: rows}
	v.updateSize(fd)

	fmt.Print("\033[?25l\033[2J")              // hide cursor, clear screen once
	defer fmt.Print("\033[?25h\033[2J\033[H") // show cursor, clear screen

	reader := bufio.NewReader(os.Stdin)
	for {
		v.updateSize(fd)
		v.render(os.Stdout)

		b, err := reader.ReadByte()
		if err != nil {
			return nil
		}

		v.status = "" // clear status on any input

		switch b {
		case 'q', 3, 27: // q, Ctrl+C, Esc
			if b == 27 && reader.Buffered() > 0 {
				// escape sequence
				b2, _ := reader.ReadByte()
				if b2 == '[' {
					b3, _ := reader.ReadByte()
					switch b3 {
					case 'A': // up
						v.up()
					case 'B': // down
						v.down()
					case '5': // page up
						reader.ReadByte()
						v.pageUp()
					case '6': // page down
						reader.ReadByte()
						v.pageDown()
					}
				}
				continue
			}
			return nil
		case 'j':
			v.down()
		case 'k':
			v.up()
		case 'g':
			v.first()
		case 'G':
			v.last()
		case 13, 10: // Enter
			v.show(store, reader)
		case '/':
			if query, ok := prompt(reader, v.height); ok {
				v.search(query, false)
			}
		case 'n':
			v.search(v.query, true)
		}
	}
}

// prompt reads a line at the bottom of the screen. ok is false when the
// input was cancelled or empty.
func prompt(reader *bufio.Reader, height int) (string, bool) {
	fmt.Print("\033[?25h") // show cursor
	fmt.Printf("\033[%d;1H\033[K/", height)
	defer fmt.Print("\033[?25l")

	var input []rune
	for {
		r, _, err := reader.ReadRune()
		if err != nil {
			return "", false
		}
		switch {
		case r == 27 || r == 3: // Esc or Ctrl+C
			return "", false
		case r == 13 || r == 10: // Enter
			return string(input), len(input) > 0
		case r == 127 || r == 8: // Backspace
			if len(input) > 0 {
				input = input[:len(input)-1]
				fmt.Print("\b \b")
			}
		case r >= 32:
			input = append(input, r)
			fmt.Print(string(r))
		}
	}
}
