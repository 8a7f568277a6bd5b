package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// helpGroups orders the root help. Commands not listed go under "Other".
var helpGroups = []struct {
	title    string
	commands []string
}{
	{"Mirroring Commands", []string{"source", "sink"}},
	{"Device Commands", []string{"peers", "uart", "param"}},
}

func setupHelpCommand(rootCmd *cobra.Command) {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != cmd.Root() {
			fmt.Fprint(cmd.OutOrStdout(), cmd.UsageString())
			return
		}
		printRootHelp(cmd.OutOrStdout(), cmd)
	})
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:   "help",
		Short: "Show help information",
		Run: func(cmd *cobra.Command, args []string) {
			printRootHelp(cmd.OutOrStdout(), cmd.Root())
		},
	})
}

func printRootHelp(w io.Writer, root *cobra.Command) {
	fmt.Fprintln(w, root.Long)
	fmt.Fprintf(w, "\nUsage:\n  %s [command] [flags]\n", root.Name())

	available := map[string]*cobra.Command{}
	for _, c := range root.Commands() {
		if c.IsAvailableCommand() && !c.Hidden {
			available[c.Name()] = c
		}
	}

	heading := color.New(color.Bold)
	for _, g := range helpGroups {
		heading.Fprintf(w, "\n%s:\n", g.title)
		for _, name := range g.commands {
			if c, ok := available[name]; ok {
				fmt.Fprintf(w, "  %-10s %s\n", name, c.Short)
				delete(available, name)
			}
		}
	}

	rest := make([]string, 0, len(available))
	for name := range available {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	if len(rest) > 0 {
		heading.Fprintln(w, "\nOther:")
		for _, name := range rest {
			fmt.Fprintf(w, "  %-10s %s\n", name, available[name].Short)
		}
	}

	fmt.Fprintln(w, "\nFlags:")
	fmt.Fprint(w, root.LocalFlags().FlagUsages())

	fmt.Fprintf(w, "\nUse \"%s [command] --help\" for more information about a command.\n", root.Name())
}
