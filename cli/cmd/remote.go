package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/proxy"

	"github.com/dcellar/dcellar-checksum/internal/models"
)

var remoteFile string
var daemonAddr string
var proxyURL string
var sessionID string
var retries int

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Ask a running checksum daemon to hash a file",
	Long: `Send --file to the checksum daemon at --addr and print its result. Requests are retried
on transient failures and may go through a SOCKS5 proxy (i.e. --proxy socks5://127.0.0.1:9050).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if remoteFile == "" {
			return errors.New("--file is required")
		}
		client, err := newHTTPClient(proxyURL, retries)
		if err != nil {
			return err
		}
		client.Logger = newLogger(cmd)

		response, err := postChecksum(cmd, client, daemonAddr, remoteFile, sessionID)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	},
}

func init() {
	rootCmd.AddCommand(remoteCmd)
	remoteCmd.Flags().StringVarP(&remoteFile, "file", "f", "", "Path to the file to hash")
	remoteCmd.Flags().StringVar(&daemonAddr, "addr", "http://localhost:8081", "Address of the checksum daemon")
	remoteCmd.Flags().StringVar(&proxyURL, "proxy", "", "SOCKS5 proxy URL")
	remoteCmd.Flags().StringVar(&sessionID, "session", "", "Session id; a new request on a session abandons the previous one")
	remoteCmd.Flags().IntVar(&retries, "retries", 3, "Maximum number of retries")
}

func newHTTPClient(proxyAddr string, retryMax int) (*retryablehttp.Client, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	if proxyAddr == "" {
		return client, nil
	}

	u, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, err
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{}
	if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = contextDialer.DialContext
	} else {
		transport.Dial = dialer.Dial
	}
	client.HTTPClient.Transport = transport
	return client, nil
}

// postChecksum streams path as a multipart upload. The body is rebuilt from
// the file on every attempt.
func postChecksum(cmd *cobra.Command, client *retryablehttp.Client, addr, path, session string) (*models.ChecksumResponse, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	boundary := "dcellar-" + uuid.New().String()

	// Readers of abandoned attempts are closed so their writers stop.
	var pipes []*io.PipeReader
	defer func() {
		for _, pr := range pipes {
			pr.Close()
		}
	}()

	body := func() (io.Reader, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		pr, pw := io.Pipe()
		pipes = append(pipes, pr)
		go func() {
			defer file.Close()
			writer := multipart.NewWriter(pw)
			if err := writer.SetBoundary(boundary); err != nil {
				pw.CloseWithError(err)
				return
			}
			part, err := writer.CreateFormFile("file", filepath.Base(path))
			if err == nil {
				_, err = io.Copy(part, file)
			}
			if err == nil {
				err = writer.Close()
			}
			pw.CloseWithError(err)
		}()
		return pr, nil
	}

	req, err := retryablehttp.NewRequestWithContext(cmd.Context(), http.MethodPost, addr+"/checksum", retryablehttp.ReaderFunc(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	if session != "" {
		req.Header.Set("X-Session-Id", session)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling checksum endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("checksum daemon returned status %d, but reading the body failed: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("checksum daemon returned status %d: %s", resp.StatusCode, bodyBytes)
	}

	var response models.ChecksumResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decoding checksum response: %w", err)
	}
	return &response, nil
}
