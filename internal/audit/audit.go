// Package audit writes failed HTTP exchanges to disk for later inspection.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sternrassler/asc-client/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600

	binaryBlob = "<binary_blob>"

	maxSameSecond = 1000
)

// Exchange is one request/response pair.
type Exchange struct {
	Method         string
	URL            string
	RequestHeader  http.Header
	RequestBody    []byte
	StatusCode     int
	ResponseHeader http.Header
	ResponseBody   []byte
	Elapsed        time.Duration
}

// Auditor saves exchanges below a root directory, one subdirectory per day.
type Auditor struct {
	root   string
	now    func() time.Time
	logger zerolog.Logger
}

// DefaultDir returns the audit directory used when none is configured.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "asc-client", "failed-http-requests")
}

// New creates an auditor writing below root.
func New(root string) *Auditor {
	return &Auditor{
		root:   root,
		now:    time.Now,
		logger: logging.NewLogger("asc-audit"),
	}
}

// Record saves ex and returns the written path. Failures are logged and
// reported as an empty path.
func (a *Auditor) Record(ex Exchange) string {
	path, err := a.save(ex)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", ex.URL).Msg("Failed to save request audit")
		return ""
	}
	a.logger.Debug().Str("path", path).Msg("Saved request audit")
	return path
}

type record struct {
	Request  requestRecord  `json:"request"`
	Response responseRecord `json:"response"`
}

type requestRecord struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Path    string              `json:"path"`
	Headers map[string]string   `json:"headers"`
	Body    *string             `json:"body"`
	Query   map[string][]string `json:"query"`
}

type responseRecord struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Content    *string           `json:"content"`
	Elapsed    float64           `json:"elapsed"`
}

var unsafePathChars = regexp.MustCompile(`[^\w-]`)

func (a *Auditor) save(ex Exchange) (string, error) {
	now := a.now()
	parsed, err := url.Parse(ex.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	dir := filepath.Join(a.root, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create audit dir: %w", err)
	}

	name := fmt.Sprintf("http-%s-%d-%s-%s",
		ex.Method,
		ex.StatusCode,
		unsafePathChars.ReplaceAllString(parsed.Path, "-"),
		now.Format("02-01-06-15-04-05"),
	)

	rec := record{
		Request: requestRecord{
			Method:  ex.Method,
			URL:     ex.URL,
			Path:    parsed.Path,
			Headers: flatten(logging.MaskAuthorization(ex.RequestHeader)),
			Body:    serializeBody(ex.RequestBody),
			Query:   parsed.Query(),
		},
		Response: responseRecord{
			StatusCode: ex.StatusCode,
			Headers:    flatten(ex.ResponseHeader),
			Content:    serializeBody(ex.ResponseBody),
			Elapsed:    ex.Elapsed.Seconds(),
		},
	}

	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal audit: %w", err)
	}

	return writeUnique(dir, name, data)
}

// writeUnique writes data to <dir>/<name>.json, or to <name>-2.json, <name>-3.json, ...
// when failures within the same second already took the name.
func writeUnique(dir, name string, data []byte) (string, error) {
	for n := 1; n <= maxSameSecond; n++ {
		path := filepath.Join(dir, name+".json")
		if n > 1 {
			path = filepath.Join(dir, fmt.Sprintf("%s-%d.json", name, n))
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create audit: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write audit: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close audit: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("write audit: more than %d files named %s", maxSameSecond, name)
}

func flatten(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for key, values := range h {
		flat[key] = strings.Join(values, ", ")
	}
	return flat
}

func serializeBody(body []byte) *string {
	if len(body) == 0 {
		return nil
	}
	s := binaryBlob
	if utf8.Valid(body) {
		s = string(body)
	}
	return &s
}
