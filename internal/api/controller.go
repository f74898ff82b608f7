package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/dcellar/dcellar-checksum/internal/checksum"
	"github.com/dcellar/dcellar-checksum/internal/models"
	"github.com/dcellar/dcellar-checksum/internal/service"
)

// SessionHeader selects the session a request runs on. A new request on a
// session abandons the run still in flight on it.
const SessionHeader = "X-Session-Id"

const multipartMemory = 32 << 20

// Checksummer computes and verifies checksums on behalf of the handlers.
// *service.Checksummer is the implementation used by the daemon.
type Checksummer interface {
	Checksum(ctx context.Context, generator service.Generator, src checksum.ByteSource) (*models.ChecksumResult, bool, error)
	Verify(ctx context.Context, generator service.Generator, src checksum.ByteSource, expected []string) error
}

type Controller struct {
	checksums   *checksum.Service
	checksummer Checksummer
	maxUpload   int64
	logger      *slog.Logger

	mu       sync.Mutex
	sessions *gocache.Cache
}

// NewController returns the HTTP handlers of the daemon. Sessions idle for
// longer than sessionTTL are forgotten; uploads larger than maxUpload are
// rejected (zero means no limit).
func NewController(checksums *checksum.Service, checksummer Checksummer, sessionTTL time.Duration, maxUpload int64, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		checksums:   checksums,
		checksummer: checksummer,
		maxUpload:   maxUpload,
		logger:      logger.With("component", "API"),
		sessions:    gocache.New(sessionTTL, sessionTTL),
	}
}

// Routes registers every handler on a new mux.
func (c *Controller) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/checksum", c.Checksum)
	mux.HandleFunc("/verify", c.Verify)
	mux.HandleFunc("/redundancy", c.Redundancy)
	return mux
}

func (c *Controller) Checksum(w http.ResponseWriter, r *http.Request) {
	logger := c.logger.With("handler", "Checksum")
	if r.Method != http.MethodPost {
		logger.Warn("only POST method allowed", "method", r.Method)
		http.Error(w, "Only POST method allowed!", http.StatusMethodNotAllowed)
		return
	}

	sessionID, session := c.session(w, r)
	logger = logger.With("session", sessionID)

	upload, ok := c.openUpload(w, r, logger)
	if !ok {
		return
	}
	defer upload.Close()

	result, cached, err := c.checksummer.Checksum(r.Context(), session, upload.source)
	if err != nil {
		c.writeError(w, logger, err)
		return
	}

	writeJSON(w, http.StatusOK, models.ChecksumResponse{
		FileName:  upload.name,
		SessionId: sessionID,
		Cached:    cached,
		Result:    *result,
		Config:    c.checksums.Redundancy(),
	})
}

func (c *Controller) Verify(w http.ResponseWriter, r *http.Request) {
	logger := c.logger.With("handler", "Verify")
	if r.Method != http.MethodPost {
		logger.Warn("only POST method allowed", "method", r.Method)
		http.Error(w, "Only POST method allowed!", http.StatusMethodNotAllowed)
		return
	}

	sessionID, session := c.session(w, r)
	logger = logger.With("session", sessionID)

	upload, ok := c.openUpload(w, r, logger)
	if !ok {
		return
	}
	defer upload.Close()

	var expected []string
	if err := json.Unmarshal([]byte(r.FormValue("expect_checksums")), &expected); err != nil {
		logger.Warn("invalid expect_checksums field", "error", err)
		http.Error(w, "expect_checksums must be a JSON array of strings", http.StatusBadRequest)
		return
	}
	if _, err := checksum.DecodeChecksums(expected); err != nil {
		logger.Warn("invalid expected checksum", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := c.checksummer.Verify(r.Context(), session, upload.source, expected)
	var mismatch *checksum.MismatchError
	if errors.As(err, &mismatch) {
		logger.Info("checksum mismatch", "index", mismatch.Index)
		writeJSON(w, http.StatusConflict, models.VerifyResponse{
			Valid:         false,
			MismatchIndex: &mismatch.Index,
			Message:       mismatch.Error(),
		})
		return
	}
	if err != nil {
		c.writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, models.VerifyResponse{Valid: true})
}

func (c *Controller) Redundancy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.logger.Warn("only GET method allowed", "handler", "Redundancy", "method", r.Method)
		http.Error(w, "Only GET method allowed!", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, c.checksums.Redundancy())
}

// session returns the session named by the request header, creating it (and
// an id when none was sent). The id is echoed in the response.
func (c *Controller) session(w http.ResponseWriter, r *http.Request) (string, *checksum.Session) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		id = uuid.New().String()
	}
	w.Header().Set(SessionHeader, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions.Get(id)
	if !ok {
		session = c.checksums.NewSession()
	}
	// Reset the expiration on every use.
	c.sessions.SetDefault(id, session)
	return id, session.(*checksum.Session)
}

type upload struct {
	name   string
	source checksum.ByteSource
	close  func() error
}

func (u *upload) Close() error {
	return u.close()
}

func (c *Controller) openUpload(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*upload, bool) {
	if c.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, c.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("upload too large", "limit", tooLarge.Limit)
			http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		logger.Warn("parsing multipart form failed", "error", err)
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		logger.Warn("missing file field", "error", err)
		http.Error(w, "Missing file field", http.StatusBadRequest)
		return nil, false
	}
	return &upload{
		name:   header.Filename,
		source: checksum.NewReaderAtSource(file, header.Size),
		close:  file.Close,
	}, true
}

func (c *Controller) writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, checksum.ErrSuperseded):
		logger.Info("run superseded by a newer request")
		http.Error(w, "Superseded by a newer request on the same session", http.StatusConflict)
	case errors.Is(err, checksum.ErrNilSource):
		logger.Warn("no content to hash", "error", err)
		http.Error(w, "No content to hash", http.StatusBadRequest)
	default:
		logger.Error("hashing failed", "error", err)
		http.Error(w, "Hashing failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
