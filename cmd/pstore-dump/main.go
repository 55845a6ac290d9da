// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// pstore-dump inspects a store file: header, revision chain, index
// sizes and interned strings.  It opens the file read-only and never
// takes the writer lock.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/step-security-bot/pstore"
	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/head"
	"github.com/step-security-bot/pstore/repo"
)

var verbose bool

func openStore(path string) (*pstore.Database, error) {
	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	return pstore.Open(path, pstore.ReadOnly(), pstore.WithLogger(logger))
}

func newHeaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "header <store>",
		Short: "show the store leader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			t := db.Trailer()
			fmt.Printf("id:        %s\n", uuid.UUID(db.ID()))
			fmt.Printf("footer:    %#x\n", db.Footer().Absolute())
			fmt.Printf("revision:  %d\n", t.Revision)
			fmt.Printf("committed: %s\n", time.UnixMilli(int64(t.TimeMS)).UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func newRevisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revisions <store>",
		Short: "walk the trailer chain from HEAD to the empty revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return db.WalkRevisions(func(t head.Trailer, addr address.Address) bool {
				fmt.Printf("r%-6d at %#-12x %-10s %s\n",
					t.Revision,
					addr.Absolute(),
					humanize.Bytes(t.Size),
					time.UnixMilli(int64(t.TimeMS)).UTC().Format(time.RFC3339))
				return true
			})
		},
	}
}

func newIndexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indexes <store>",
		Short: "show key counts for every index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			names, err := db.Names()
			if err != nil {
				return err
			}
			paths, err := db.Paths()
			if err != nil {
				return err
			}
			fragments, err := db.Fragments()
			if err != nil {
				return err
			}
			compilations, err := db.Compilations()
			if err != nil {
				return err
			}
			debugLines, err := db.DebugLineHeaders()
			if err != nil {
				return err
			}

			fmt.Printf("%-12s %d\n", "names:", names.Size())
			fmt.Printf("%-12s %d\n", "paths:", paths.Size())
			fmt.Printf("%-12s %d\n", "fragments:", fragments.Size())
			fmt.Printf("%-12s %d\n", "compilations:", compilations.Size())
			fmt.Printf("%-12s %d\n", "debuglines:", debugLines.Size())
			return nil
		},
	}
}

func newNamesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "names <store>",
		Short: "list every interned name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			names, err := db.Names()
			if err != nil {
				return err
			}
			return names.Walk(func(s pstore.IndirectString) bool {
				fmt.Println(s.String())
				return true
			})
		},
	}
}

func newFragmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fragments <store>",
		Short: "list fragment digests, extents and section types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			fragments, err := db.Fragments()
			if err != nil {
				return err
			}
			var walkErr error
			err = fragments.Walk(func(d repo.Digest, ext repo.Extent) bool {
				f, err := repo.LoadFragment(db, ext)
				if err != nil {
					walkErr = err
					return false
				}
				fmt.Printf("%x at %#x (%s):", d, ext.Addr.Absolute(), humanize.Bytes(ext.Size))
				for _, s := range f.Sections {
					fmt.Printf(" %s/%d", s.Type, s.Size)
				}
				fmt.Println()
				return true
			})
			if err != nil {
				return err
			}
			return walkErr
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "pstore-dump",
		Short:         "inspect a pstore file",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store activity")
	root.AddCommand(
		newHeaderCmd(),
		newRevisionsCmd(),
		newIndexesCmd(),
		newNamesCmd(),
		newFragmentsCmd(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
