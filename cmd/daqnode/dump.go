package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/raskyld/daqbone/pkg/binfile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var dumpArgs struct {
	payload int
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump FILE",
		Short: "print the records of a binary buffer file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dump(cmd.OutOrStdout(), args[0], dumpArgs.payload)
		},
	}
	setupDumpFlags(cmd.Flags())
	return cmd
}

func setupDumpFlags(f *pflag.FlagSet) {
	f.IntVar(&dumpArgs.payload, "payload", 0, "print up to N bytes of every payload")
}

func dump(w io.Writer, path string, payload int) error {
	r, err := binfile.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	hdr := r.Header()
	fmt.Fprintf(w, "magic=%d version=%d\n", hdr.Magic, hdr.Version)
	var n, total uint64
	for {
		rec, err := r.ReadHeader()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		data := make([]byte, rec.DataLength)
		if err := r.ReadPayload(data); err != nil {
			return err
		}
		fmt.Fprintf(w, "#%d type=%d size=%d", n, rec.BufType, rec.DataLength)
		if payload > 0 {
			fmt.Fprintf(w, " data=% x", data[:min(payload, len(data))])
		}
		fmt.Fprintln(w)
		n++
		total += rec.DataLength
	}
	fmt.Fprintf(w, "%d records, %d bytes\n", n, total)
	return nil
}
