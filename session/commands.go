package session

import (
	"fmt"
	"sort"
	"strings"
)

// CommandFunc runs a command. args[0] is the command name.
type CommandFunc func(h *Handler, args []string)

// Command is one entry in the command table.
type Command struct {
	Name        string
	Description string
	Run         CommandFunc
}

// Commands is a table of named commands. It is read by handlers on their own
// goroutines, so register everything before handing it to New.
type Commands struct {
	m map[string]Command
}

// NewCommands builds a table from cmds. Later entries replace earlier ones
// with the same name.
func NewCommands(cmds ...Command) *Commands {
	c := &Commands{m: make(map[string]Command, len(cmds))}
	for _, cmd := range cmds {
		c.Register(cmd)
	}

	return c
}

// DefaultCommands returns a fresh table holding "online" and "help".
func DefaultCommands() *Commands {
	return NewCommands(
		Command{Name: "online", Description: "list online users in this chatroom.", Run: onlineCommand},
		Command{Name: "help", Description: "show available commands.", Run: helpCommand},
	)
}

// Register adds or replaces cmd.
func (c *Commands) Register(cmd Command) {
	c.m[cmd.Name] = cmd
}

// Lookup finds a command by name.
func (c *Commands) Lookup(name string) (Command, bool) {
	cmd, ok := c.m[name]
	return cmd, ok
}

// List returns every command sorted by name.
func (c *Commands) List() []Command {
	out := make([]Command, 0, len(c.m))
	for _, cmd := range c.m {
		out = append(out, cmd)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func onlineCommand(h *Handler, _ []string) {
	st := h.Style()
	users := h.Service().Online()
	if len(users) == 0 {
		h.Reply(st.Notice("Nobody is online."))
		return
	}

	var b strings.Builder
	if len(users) == 1 {
		b.WriteString(st.Notice("There is 1 user online: "))
	} else {
		b.WriteString(st.Notice(fmt.Sprintf("There are %d users online: ", len(users))))
	}

	for i, user := range users {
		if i > 0 {
			b.WriteString(st.Notice(", "))
		}
		b.WriteString(st.User(user))
	}

	b.WriteString(st.Notice("."))
	h.Reply(b.String())
}

func helpCommand(h *Handler, _ []string) {
	st := h.Style()
	var b strings.Builder
	b.WriteString(st.Notice("List of available commands:"))
	for _, cmd := range h.Commands().List() {
		b.WriteString("\n" + st.Notice("/"+cmd.Name) + ": " + cmd.Description)
	}

	h.Reply(b.String())
}
