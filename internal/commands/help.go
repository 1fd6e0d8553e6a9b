package commands

import (
	"sort"
	"strings"
)

// helpText renders plain-text help, readable as a Matrix notice and in
// Telegram without a parse mode.
func (m *Manager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.ToLower(p)
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok2 := alias[p]; ok2 && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return "Unknown command. Try help."
		}
		cur = n
		full = append(full, p)
	}

	if len(path) == 0 {
		return helpTop(root)
	}
	return helpNode(cur, full)
}

type topRow struct {
	name string
	desc string
	lock bool
}

func helpTop(root *cmdNode) string {
	names := root.childNames()
	rows := make([]topRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		rows = append(rows, topRow{name: name, desc: summarizeNodeDesc(n), lock: nodeIsOwnerOnly(n)})
	}
	// owner-only at the bottom, alphabetical within groups
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{"Commands:"}
	for _, r := range rows {
		line := "  " + r.name
		if r.desc != "" {
			line += ": " + r.desc
		}
		if r.lock {
			line += " (owner)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpNode(cur *cmdNode, full []string) string {
	lines := []string{strings.Join(full, " ")}

	if cur != nil && cur.cmd != nil {
		c := cur.cmd
		if d := strings.TrimSpace(c.Description); d != "" {
			lines[0] += ": " + d
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "Owner only.")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "Usage: "+u)
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: "+strings.Join(c.Aliases, ", "))
		}
	}

	if cur != nil && len(cur.children) > 0 {
		lines = append(lines, "Subcommands:")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			line := "  " + strings.Join(append(append([]string(nil), full...), name), " ")
			if desc := summarizeNodeDesc(n); desc != "" {
				line += ": " + desc
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	show := min(3, len(kids))
	s := strings.Join(kids[:show], ", ")
	if len(kids) > show {
		s += ", ..."
	}
	return "subcommands: " + s
}

// nodeIsOwnerOnly reports whether n and every command below it are owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, ch := range n.children {
		if !nodeIsOwnerOnly(ch) {
			return false
		}
	}
	return len(n.children) > 0
}
