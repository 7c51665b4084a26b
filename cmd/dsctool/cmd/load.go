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
	"path/filepath"
	"strings"

	"dsctool/pkg/sharedcache"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loadCmd)
}

// loadCmd represents the load command
var loadCmd = &cobra.Command{
	Use:     "load <DSC> <install-name>",
	Aliases: []string{"l"},
	Short:   "Perform the initial load, then materialize one image into an in-memory host",
	Args:    cobra.ExactArgs(2),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Clean(args[0])
		installName := args[1]

		host := newRecordingHost()
		c := sharedcache.NewController(host, nil, nil, sharedcache.Options{})
		defer c.Close()

		ctx := context.Background()
		if err := c.PerformInitialLoad(ctx, path); err != nil {
			return err
		}

		loaded, err := c.LoadImageWithInstallName(ctx, installName)
		if err != nil {
			return err
		}
		if !loaded {
			fmt.Printf("%s: every region already loaded\n", installName)
			return nil
		}

		header := fmt.Sprintf("Loaded regions for %s", installName)
		fmt.Println(header)
		fmt.Println(strings.Repeat("=", len(header)))
		for _, seg := range host.Segments {
			fmt.Printf("  %#x  %s\n", seg.Start, humanize.Bytes(seg.Size))
		}
		return nil
	},
}
