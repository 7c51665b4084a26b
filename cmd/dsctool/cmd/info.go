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
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"dsctool/pkg/sharedcache"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(infoCmd)
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:     "info <DSC>",
	Aliases: []string{"i"},
	Short:   "Scan a dyld shared cache and print its format, backing files, and mappings",
	Args:    cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Clean(args[0])

		result, err := sharedcache.ScanCache(path)
		if err != nil {
			return err
		}

		fmt.Printf("Format:        %s\n", result.Format)
		fmt.Printf("UUID:          %s\n", result.UUID)
		fmt.Printf("Backing files: %d\n", len(result.BackingCaches))
		fmt.Printf("Images:        %d\n", len(result.ImageStarts))
		if result.LocalSymbolsOffset != 0 {
			fmt.Printf("Local symbols: %s @ %#x\n", humanize.Bytes(result.LocalSymbolsSize), result.LocalSymbolsOffset)
		}
		fmt.Println()

		fmt.Println("Mappings")
		fmt.Println("========")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tADDRESS\tSIZE\tFILE OFFSET")
		for _, bc := range result.BackingCaches {
			for _, m := range bc.Mappings {
				fmt.Fprintf(w, "%s\t%#x\t%s\t%#x\n", filepath.Base(bc.Path), m.Address, humanize.Bytes(m.Size), m.FileOffset)
			}
		}
		return w.Flush()
	},
}
