/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"dsctool/pkg/sharedcache"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(symbolsCmd)
}

// symbolsCmd represents the symbols command
var symbolsCmd = &cobra.Command{
	Use:     "symbols <DSC>",
	Aliases: []string{"syms"},
	Short:   "Walk every image's export trie (and local symbols, if present) and print the results",
	Args:    cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Clean(args[0])

		host := newRecordingHost()
		c := sharedcache.NewController(host, nil, nil, sharedcache.Options{})
		defer c.Close()

		ctx := context.Background()
		if err := c.PerformInitialLoad(ctx, path); err != nil {
			return err
		}

		syms, err := c.LoadAllSymbolsAndWait(ctx)
		if err != nil {
			return err
		}

		sort.Slice(syms, func(i, j int) bool {
			if syms[i].InstallName != syms[j].InstallName {
				return syms[i].InstallName < syms[j].InstallName
			}
			return syms[i].Export.Address < syms[j].Export.Address
		})

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IMAGE\tADDRESS\tNAME")
		for _, s := range syms {
			fmt.Fprintf(w, "%s\t%#x\t%s\n", s.InstallName, s.Export.Address, s.Export.Name)
		}
		fmt.Fprintf(os.Stderr, "%d symbols\n", len(syms))
		return w.Flush()
	},
}
