package terminal

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/derekparker/trie"
)

// completer completes command names and, for commands taking a location,
// source files and function names.
type completer struct {
	t *Term

	locs   *trie.Trie
	nfiles int
}

func newCompleter(t *Term) *completer {
	c := &completer{t: t}
	c.refresh()
	return c
}

// refresh rebuilds the location trie when modules loaded since the last
// completion brought new source files.
func (c *completer) refresh() {
	files, _ := c.t.client.Sources("")
	if c.locs != nil && len(files) == c.nfiles {
		return
	}
	c.locs = trie.New()
	c.nfiles = len(files)
	for _, f := range files {
		c.locs.Add(f, nil)
		if base := filepath.Base(f); base != f {
			c.locs.Add(base, nil)
		}
	}
	funcs, _ := c.t.client.Functions("")
	for _, fn := range funcs {
		c.locs.Add(fn, nil)
	}
}

func (c *completer) commands() *trie.Trie {
	cmds := trie.New()
	for _, cmd := range c.t.cmds.cmds {
		for _, alias := range cmd.aliases {
			cmds.Add(alias, nil)
		}
	}
	return cmds
}

func (c *completer) complete(line string) []string {
	i := strings.LastIndex(line, " ")
	if i < 0 {
		r := c.commands().PrefixSearch(strings.ToLower(line))
		sort.Strings(r)
		return r
	}

	fields := strings.Fields(line)
	if len(fields) == 0 || !c.t.cmds.Find(fields[0]).locArgs {
		return nil
	}
	c.refresh()
	head, word := line[:i+1], line[i+1:]
	var r []string
	for _, loc := range c.locs.PrefixSearch(word) {
		r = append(r, head+loc)
	}
	sort.Strings(r)
	return r
}
