package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"Parley/internal/connection"
	"Parley/internal/model"
)

// printer writes session updates as lines. Listeners fire from several
// goroutines, so every write holds mu.
type printer struct {
	mu       sync.Mutex
	w        io.Writer
	viewer   string
	rendered map[string]string
	lastConn string
}

func newPrinter(w io.Writer, viewer string) *printer {
	return &printer{w: w, viewer: viewer, rendered: map[string]string{}}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// messages prints messages that are new or changed since the last call.
func (p *printer) messages(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		live[m.ID] = true
		text := p.render(m)
		if p.rendered[m.ID] == text {
			continue
		}
		p.rendered[m.ID] = text
		fmt.Fprintln(p.w, text)
	}
	// shadows that were confirmed or failed
	for id := range p.rendered {
		if !live[id] {
			delete(p.rendered, id)
		}
	}
}

func (p *printer) render(m model.Message) string {
	who := "them"
	if m.SenderID == p.viewer {
		who = "you"
	}
	if m.IsSystem() {
		who = "system"
	}

	id := m.ID
	if len(id) > 8 && !m.IsTemporary() {
		id = id[:8]
	}

	var flags string
	switch {
	case m.Pending:
		flags = " (sending)"
	case m.DeletedForAll:
		flags = ""
	case m.IsDeleted:
		flags = " (deleted)"
	case m.IsRead && m.SenderID == p.viewer:
		flags = " (read)"
	}
	return fmt.Sprintf("[%s %s] %s: %s%s", m.CreatedAt.Local().Format(time.Kitchen), id, who, m.Content, flags)
}

func (p *printer) access(state model.AccessState) {
	p.line("» access: %s", state)
}

func (p *printer) connection(change connection.StateChange) {
	text := describeConnection(change)
	p.mu.Lock()
	defer p.mu.Unlock()
	if text == p.lastConn {
		return
	}
	p.lastConn = text
	fmt.Fprintf(p.w, "» %s\n", text)
}

func (p *printer) failure(op string, err error) {
	p.line("! %s failed: %s", op, describeFailure(err))
}
