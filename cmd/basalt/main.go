// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Command basalt introspects basalt databases: it dumps write-ahead logs,
// manifests and tables, and summarizes the LSM shape of a database
// directory.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/basaltdb/basalt"
	"github.com/basaltdb/basalt/bloom"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/record"
	"github.com/basaltdb/basalt/sstable"
	"github.com/basaltdb/basalt/vfs"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "basalt",
		Short: "basalt introspects basalt databases",
	}
	root.AddCommand(
		dumpWALCmd(),
		dumpManifestCmd(),
		dumpTableCmd(),
		lsmCmd(),
		getCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// stderrReporter surfaces damaged log regions without aborting the dump.
type stderrReporter struct{}

func (stderrReporter) Corruption(bytes int64, reason error) {
	fmt.Fprintf(os.Stderr, "corruption: dropping %d bytes: %s\n", bytes, reason)
}

func dumpWALCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-wal <file>",
		Short: "print the batches of a write-ahead log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := vfs.Default.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			rr := record.NewReader(f, stderrReporter{})
			for {
				rec, err := rr.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				var b basalt.Batch
				if err := b.SetRepr(append([]byte(nil), rec...)); err != nil {
					return err
				}
				seqNum := b.SeqNum()
				fmt.Printf("seq=%s count=%d\n", seqNum, b.Count())
				err = b.Iterate(func(kind base.InternalKeyKind, ukey, value []byte) error {
					switch kind {
					case base.InternalKeyKindSet:
						fmt.Printf("  SET %q = %q\n", ukey, value)
					case base.InternalKeyKindDelete:
						fmt.Printf("  DEL %q\n", ukey)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
		},
	}
}

func dumpManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-manifest <file>",
		Short: "print the version edits of a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := vfs.Default.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			rr := record.NewReader(f, stderrReporter{})
			for i := 0; ; i++ {
				rec, err := rr.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				var edit manifest.VersionEdit
				if err := edit.Decode(bytes.NewReader(rec)); err != nil {
					return err
				}
				fmt.Printf("edit %d:\n", i)
				if edit.ComparerName != "" {
					fmt.Printf("  comparer:  %s\n", edit.ComparerName)
				}
				if edit.HasLogNum {
					fmt.Printf("  log:       %s\n", edit.LogNum)
				}
				if edit.HasPrevLogNum {
					fmt.Printf("  prev-log:  %s\n", edit.PrevLogNum)
				}
				if edit.HasNextFileNum {
					fmt.Printf("  next-file: %s\n", edit.NextFileNum)
				}
				if edit.HasLastSeqNum {
					fmt.Printf("  last-seq:  %s\n", edit.LastSeqNum)
				}
				for _, cp := range edit.CompactPointers {
					fmt.Printf("  compact-pointer: L%d %s\n", cp.Level, cp.Key)
				}
				for df := range edit.DeletedFiles {
					fmt.Printf("  deleted: L%d %s\n", df.Level, df.FileNum)
				}
				for _, nf := range edit.NewFiles {
					fmt.Printf("  added: L%d %s\n", nf.Level, nf.Meta)
				}
			}
		},
	}
}

func dumpTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-table <file>",
		Short: "print the entries of a table file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := vfs.Default.Open(args[0])
			if err != nil {
				return err
			}
			stat, err := f.Stat()
			if err != nil {
				f.Close()
				return err
			}
			r, err := sstable.NewReader(f, stat.Size(), sstable.ReaderOptions{})
			if err != nil {
				f.Close()
				return err
			}
			defer r.Close()

			it, err := r.NewIter()
			if err != nil {
				return err
			}
			defer it.Close()
			for it.First(); it.Valid(); it.Next() {
				fmt.Printf("%s = %q\n", it.Key(), it.Value())
			}
			return it.Error()
		},
	}
}

// lsmCmd prints the level shape of a database directory from its manifest,
// without opening (or locking) the database.
func lsmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lsm <dir>",
		Short: "summarize the levels of a database directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirname := args[0]
			fs := vfs.Default

			current, err := fs.Open(base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0))
			if err != nil {
				return err
			}
			b, err := io.ReadAll(current)
			current.Close()
			if err != nil {
				return err
			}
			if n := len(b); n == 0 || b[n-1] != '\n' {
				return fmt.Errorf("basalt: CURRENT file for %q is malformed", dirname)
			}

			f, err := fs.Open(fs.PathJoin(dirname, string(b[:len(b)-1])))
			if err != nil {
				return err
			}
			defer f.Close()

			// Replay the edits into a per-level table listing.
			type fileEntry struct {
				meta  *manifest.FileMetadata
				level int
			}
			files := make(map[base.FileNum]fileEntry)
			rr := record.NewReader(f, stderrReporter{})
			for {
				rec, err := rr.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				var edit manifest.VersionEdit
				if err := edit.Decode(bytes.NewReader(rec)); err != nil {
					return err
				}
				for df := range edit.DeletedFiles {
					delete(files, df.FileNum)
				}
				for _, nf := range edit.NewFiles {
					files[nf.Meta.FileNum] = fileEntry{meta: nf.Meta, level: nf.Level}
				}
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Level", "Tables", "Size", "Smallest", "Largest"})
			for level := 0; level < manifest.NumLevels; level++ {
				var metas []*manifest.FileMetadata
				for _, fe := range files {
					if fe.level == level {
						metas = append(metas, fe.meta)
					}
				}
				if len(metas) == 0 {
					continue
				}
				smallest, largest := manifest.KeyRange(func(a, b base.InternalKey) int {
					return base.InternalCompare(bytes.Compare, a, b)
				}, metas)
				table.Append([]string{
					fmt.Sprintf("L%d", level),
					fmt.Sprintf("%d", len(metas)),
					fmt.Sprintf("%d", manifest.TotalSize(metas)),
					fmt.Sprintf("%s", smallest),
					fmt.Sprintf("%s", largest),
				})
			}
			table.Render()
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	var useBloom bool
	cmd := &cobra.Command{
		Use:   "get <dir> <key>",
		Short: "read a single key from a database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := &basalt.Options{}
			if useBloom {
				opts.FilterPolicy = bloom.FilterPolicy(10)
			}
			db, err := basalt.Open(args[0], opts)
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := db.Get([]byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&useBloom, "bloom", false, "open with the bloom filter policy")
	return cmd
}
