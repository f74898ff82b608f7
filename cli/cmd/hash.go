package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/dcellar/dcellar-checksum/internal/checksum"
	"github.com/dcellar/dcellar-checksum/internal/models"
)

var bucketURL string
var objectKey string

var hashCmd = &cobra.Command{
	Use:   "hash [path or glob]...",
	Short: "Compute the expected checksums of local files or a bucket object",
	Long: `Compute the expected checksums of every file matching the arguments ("**" globs are
supported), or of the object --key in the bucket --bucket (file://, s3://, gs:// URLs).
One JSON result is printed per object.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bucketURL == "" && len(args) == 0 {
			return errors.New("nothing to hash: pass file paths or --bucket and --key")
		}
		if bucketURL != "" && objectKey == "" {
			return errors.New("--key is required with --bucket")
		}

		p, err := newPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.close()

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")

		if bucketURL != "" {
			response, err := hashObject(cmd, p, bucketURL, objectKey)
			if err != nil {
				return err
			}
			return encoder.Encode(response)
		}

		paths, err := expandPaths(args, newLogger(cmd))
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return errors.New("no file matched")
		}
		for _, path := range paths {
			response, err := hashFile(cmd, p, path)
			if err != nil {
				return err
			}
			if err := encoder.Encode(response); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
	hashCmd.Flags().StringVarP(&bucketURL, "bucket", "b", "", "Bucket URL holding the object (i.e. s3://my-bucket?region=us-east-1)")
	hashCmd.Flags().StringVarP(&objectKey, "key", "k", "", "Object key inside --bucket")
}

func hashFile(cmd *cobra.Command, p *pipeline, path string) (*models.ChecksumResponse, error) {
	file, err := checksum.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	result, cached, err := p.checksummer.Checksum(cmd.Context(), p.service, file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Name(), err)
	}
	return &models.ChecksumResponse{
		FileName: file.Name(),
		Cached:   cached,
		Result:   *result,
		Config:   p.service.Redundancy(),
	}, nil
}

func hashObject(cmd *cobra.Command, p *pipeline, bucketURL, key string) (*models.ChecksumResponse, error) {
	ctx := cmd.Context()
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("opening bucket: %w", err)
	}
	defer bucket.Close()

	src, err := checksum.NewBlobSource(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	result, cached, err := p.checksummer.Checksum(ctx, p.service, src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &models.ChecksumResponse{
		FileName: key,
		Cached:   cached,
		Result:   *result,
		Config:   p.service.Redundancy(),
	}, nil
}

// expandPaths resolves glob arguments to regular files. Plain paths are kept
// as given so that a missing file is reported when it is opened.
func expandPaths(paths []string, logger *slog.Logger) ([]string, error) {
	var expanded []string
	for _, path := range paths {
		if !strings.ContainsAny(path, "*?[{") {
			expanded = append(expanded, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(filepath.ToSlash(path))
		matches, err := doublestar.Glob(os.DirFS(base), pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", path, err)
		}
		if len(matches) == 0 {
			logger.Warn("no match for path pattern", "pattern", path)
			continue
		}
		for _, match := range matches {
			full := filepath.Join(base, match)
			info, err := os.Stat(full)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			expanded = append(expanded, full)
		}
	}
	return expanded, nil
}
