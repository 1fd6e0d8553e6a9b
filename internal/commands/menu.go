package commands

import (
	"sort"
	"strings"

	kit "doorbot/internal/transport"
)

// Telegram bot-menu limits. Matrix has no menu, so only the Telegram
// adapter implements kit.CommandMenuUpdater.
const (
	menuMaxEntries = 100
	menuMaxName    = 32
	menuMaxDesc    = 256
)

// menuName maps a route to a bot-menu name: lowercase [a-z0-9_], at most
// 32 bytes, never starting with a digit. "door last" becomes "door_last".
// It returns "" when nothing usable is left.
func menuName(route string) string {
	words := strings.FieldsFunc(strings.ToLower(route), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	name := strings.Join(words, "_")
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "cmd_" + name
	}
	if len(name) > menuMaxName {
		name = strings.TrimRight(name[:menuMaxName], "_")
	}
	return name
}

func menuDesc(desc, fallback string) string {
	desc = strings.Join(strings.Fields(desc), " ")
	if desc == "" {
		desc = fallback
	}
	if len(desc) > menuMaxDesc {
		desc = strings.ToValidUTF8(desc[:menuMaxDesc], "")
	}
	return desc
}

// buildMenuCommands lists public top-level commands ("door", "help") and
// then shortcuts for multi-word routes ("door_last"). Owner-only commands
// stay out of the menu; they still appear in help for owners.
func buildMenuCommands(root *cmdNode, cmds []Command) []kit.BotCommand {
	seen := map[string]bool{}
	var heads, shortcuts []kit.BotCommand
	push := func(dst *[]kit.BotCommand, route, desc string) {
		name := menuName(route)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		*dst = append(*dst, kit.BotCommand{Command: name, Description: menuDesc(desc, route)})
	}

	if root != nil {
		for _, name := range root.childNames() {
			if n, _ := root.child(name); n != nil && !nodeIsOwnerOnly(n) {
				push(&heads, name, summarizeNodeDesc(n))
			}
		}
	}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) > 1 && c.Access != AccessOwnerOnly {
			push(&shortcuts, strings.Join(route, " "), c.Description)
		}
	}

	byName := func(s []kit.BotCommand) {
		sort.Slice(s, func(i, j int) bool { return s[i].Command < s[j].Command })
	}
	byName(heads)
	byName(shortcuts)
	out := append(heads, shortcuts...)
	if len(out) > menuMaxEntries {
		out = out[:menuMaxEntries]
	}
	return out
}
