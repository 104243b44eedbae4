// Package docs renders the command reference section of README.md from the
// command registry.
package docs

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/gatekeeper/internal/command"
)

// RenderCommands returns one markdown section per category. Categories are
// ordered by name and commands by name within a category. Subcommands of a
// slash command are listed under it.
func RenderCommands(cmds []command.Command) string {
	sections := map[string][]command.Command{}
	for _, c := range cmds {
		sections[c.Category()] = append(sections[c.Category()], c)
	}
	categories := make([]string, 0, len(sections))
	for cat := range sections {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var buf bytes.Buffer
	for i, cat := range categories {
		if i > 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "### %s\n\n", cat)

		list := sections[cat]
		sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
		for _, c := range list {
			admin := ""
			if c.RequireAdmin() {
				admin = " *(administrators)*"
			}
			fmt.Fprintf(&buf, "- **/%s** — %s%s\n", c.Name(), c.Description(), admin)
			for _, sub := range subcommands(c) {
				fmt.Fprintf(&buf, "  - `/%s %s` — %s\n", c.Name(), sub.Name, sub.Description)
			}
		}
	}
	return buf.String()
}

func subcommands(c command.Command) []*discordgo.ApplicationCommandOption {
	sp, ok := c.(command.SlashProvider)
	if !ok {
		return nil
	}
	def := sp.SlashDefinition()
	if def == nil {
		return nil
	}
	var out []*discordgo.ApplicationCommandOption
	for _, o := range def.Options {
		if o.Type == discordgo.ApplicationCommandOptionSubCommand {
			out = append(out, o)
		}
	}
	return out
}

// UpdateReadme executes the template at tmplPath with CommandSections set to
// RenderCommands(cmds) and writes the result to outPath.
func UpdateReadme(tmplPath, outPath string, cmds []command.Command) error {
	tmpl, err := template.ParseFiles(tmplPath)
	if err != nil {
		return fmt.Errorf("parse %s: %w", tmplPath, err)
	}

	var out bytes.Buffer
	data := struct{ CommandSections string }{CommandSections: strings.TrimRight(RenderCommands(cmds), "\n")}
	if err := tmpl.Execute(&out, data); err != nil {
		return fmt.Errorf("render %s: %w", tmplPath, err)
	}
	return os.WriteFile(outPath, out.Bytes(), 0644)
}
