package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dcellar/dcellar-checksum/internal/checksum"
)

var verifyFile string
var expectChecksums string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a file against expected checksums",
	Long: `Recompute the checksums of --file and compare them with --expect, a JSON array of
base64 checksums (or @path to a file holding one, such as the output of "hash").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verifyFile == "" || expectChecksums == "" {
			return errors.New("--file and --expect are required")
		}
		expected, err := parseExpected(expectChecksums)
		if err != nil {
			return err
		}

		p, err := newPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.close()

		file, err := checksum.OpenFile(verifyFile)
		if err != nil {
			return err
		}
		defer file.Close()

		if err := p.checksummer.Verify(cmd.Context(), p.service, file, expected); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", verifyFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVarP(&verifyFile, "file", "f", "", "Path to the file to verify")
	verifyCmd.Flags().StringVarP(&expectChecksums, "expect", "e", "", "Expected checksums as a JSON array, or @file")
}

// parseExpected accepts a JSON array of checksums or a hash result object,
// inline or from a file named with a leading "@".
func parseExpected(value string) ([]string, error) {
	data := []byte(value)
	if path, ok := strings.CutPrefix(value, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}

	var expected []string
	if err := json.Unmarshal(data, &expected); err != nil {
		var response struct {
			Result struct {
				ExpectCheckSums []string `json:"expectCheckSums"`
			} `json:"result"`
		}
		if json.Unmarshal(data, &response) != nil || response.Result.ExpectCheckSums == nil {
			return nil, fmt.Errorf("expected checksums: %w", err)
		}
		expected = response.Result.ExpectCheckSums
	}
	if _, err := checksum.DecodeChecksums(expected); err != nil {
		return nil, err
	}
	return expected, nil
}
