package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nimbus-io/anti-entropy/internal/framing"
	"github.com/nimbus-io/anti-entropy/internal/repair"
	"github.com/nimbus-io/anti-entropy/internal/segment"
)

var (
	dumpDamaged  bool
	dumpSegments bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Decode a framed stream to JSON lines",
	Long: `Decode a repair stream (meta-repair.zz, data-repair.zz) to one JSON
object per line. With --segments the file is read as a node's segment row
snapshot, with --damaged as a node's damaged key snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if dumpDamaged && dumpSegments {
			return errors.New("--damaged and --segments are mutually exclusive")
		}
		out := cmd.OutOrStdout()
		switch {
		case dumpDamaged:
			return dumpDamagedKeys(out, args[0])
		case dumpSegments:
			return dumpSegmentRows(out, args[0])
		default:
			return dumpResults(out, args[0])
		}
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpDamaged, "damaged", false, "read a damaged key snapshot")
	dumpCmd.Flags().BoolVar(&dumpSegments, "segments", false, "read a segment row snapshot")
}

func dumpResults(w io.Writer, path string) error {
	r, err := repair.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	enc := json.NewEncoder(w)
	for {
		res, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
}

func dumpSegmentRows(w io.Writer, path string) error {
	r, err := framing.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	enc := json.NewEncoder(w)
	for {
		var row segment.Row
		err := r.Next(&row)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
}

func dumpDamagedKeys(w io.Writer, path string) error {
	r, err := framing.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var keys []segment.Key
	if err := r.Next(&keys); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", path, err)
	}
	enc := json.NewEncoder(w)
	for _, k := range keys {
		if err := enc.Encode(k); err != nil {
			return err
		}
	}
	return nil
}
