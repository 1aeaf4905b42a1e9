package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/james-card/nanoos/internal/exe"
)

var (
	flagProgramLength uint32
	flagDataLength    uint32
	flagShow          bool
)

func newExeMetaCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "exemeta <file>",
		Short: "Read or write NanoOs executable metadata",
		Long: "Append the version-1 metadata trailer to a raw RV32IM binary,\n" +
			"or show the trailer an executable already carries.",
		Args: cobra.ExactArgs(1),
		RunE: runExeMeta,
	}
	c.Flags().Uint32Var(&flagProgramLength, "program-length", 0,
		"length in bytes of the program (code) segment")
	c.Flags().Uint32Var(&flagDataLength, "data-length", 0,
		"length in bytes of the initialized data segment")
	c.Flags().BoolVar(&flagShow, "show", false,
		"show the existing trailer instead of writing one")
	return c
}

func runExeMeta(cmd *cobra.Command, args []string) error {
	path := args[0]

	if flagShow {
		metadata, err := exe.ReadMetadata(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"version:        %d\nprogram length: %d\ndata length:    %d\n",
			metadata.Version, metadata.ProgramLength, metadata.DataLength)
		return nil
	}

	programLength := flagProgramLength
	if programLength == 0 {
		// Default the whole raw image to the program segment.
		size, err := imageSizeWithoutTrailer(path)
		if err != nil {
			return err
		}
		programLength = size
	}

	if err := exe.WriteV1Metadata(path, programLength, flagDataLength); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote v1 trailer: program=%d data=%d\n",
		programLength, flagDataLength)
	return nil
}

// imageSizeWithoutTrailer returns the raw image size, subtracting an
// existing trailer when the file already carries one.
func imageSizeWithoutTrailer(path string) (uint32, error) {
	if _, err := exe.ReadMetadata(path); err == nil {
		return exe.ImageSize(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint32(info.Size()), nil
}
