// ABOUTME: XNAT destination adapter: zips the study to a temp archive and POSTs it to the import service.
// ABOUTME: 5xx and connection resets retry internally up to max_retries; 4xx (except 408/429) is permanent.
package dest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openimaging/dicomgate/config"
)

const (
	importEndpoint  = "/data/services/import"
	archiveEndpoint = "/data/services/archive"
)

type xnatAdapter struct {
	name          string
	baseURL       string
	username      string
	password      string
	maxRetries    int
	autoArchive   bool
	archiveAction bool
	client        *http.Client
}

var _ Adapter = (*xnatAdapter)(nil)

func newXNATAdapter(cfg config.Destination) *xnatAdapter {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	autoArchive := true
	if cfg.AutoArchive != nil {
		autoArchive = *cfg.AutoArchive
	}
	return &xnatAdapter{
		name:          cfg.Name,
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		username:      cfg.Username,
		password:      cfg.Password,
		maxRetries:    retries,
		autoArchive:   autoArchive,
		archiveAction: cfg.ArchiveAction,
		client:        &http.Client{Timeout: timeoutFor(cfg)},
	}
}

// Echo is an authenticated GET of the session endpoint.
func (a *xnatAdapter) Echo(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/data/JSESSION", nil)
	if err != nil {
		return Permanent(err)
	}
	req.SetBasicAuth(a.username, a.password)
	rsp, err := a.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer rsp.Body.Close()
	io.Copy(io.Discard, rsp.Body)
	if rsp.StatusCode != http.StatusOK {
		return classifyHTTP(rsp.StatusCode, fmt.Errorf("session probe: %s", rsp.Status))
	}
	return nil
}

// SendStudy zips the files and uploads the archive to the import service.
// The internal retry loop covers transient HTTP failures; it is separate from
// the pipeline-level retry schedule.
func (a *xnatAdapter) SendStudy(ctx context.Context, files []string, sc SendContext) (*SendResult, error) {
	start := time.Now()

	zipPath, err := zipStudy(files)
	if err != nil {
		return nil, Permanent(fmt.Errorf("zip study: %w", err))
	}
	defer os.Remove(zipPath)

	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, Transient(ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		err := a.upload(ctx, zipPath, sc)
		if err == nil && a.archiveAction {
			err = a.commitArchive(ctx, sc)
		}
		if err == nil {
			return &SendResult{
				Success:          true,
				FilesTransferred: len(files),
				Message:          fmt.Sprintf("imported %d instances into project %s", len(files), sc.Project),
				Duration:         time.Since(start),
			}, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

func (a *xnatAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// upload performs one multipart POST of the archive.
func (a *xnatAdapter) upload(ctx context.Context, zipPath string, sc SendContext) error {
	f, err := os.Open(zipPath)
	if err != nil {
		return Permanent(err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("image_archive", filepath.Base(zipPath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	params := url.Values{}
	params.Set("import-handler", "DICOM-zip")
	params.Set("project", sc.Project)
	params.Set("subject", sc.Subject)
	params.Set("session", sc.Session)
	params.Set("autoArchive", strconv.FormatBool(a.autoArchive))
	params.Set("overwrite", "append")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+importEndpoint+"?"+params.Encode(), pr)
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(a.username, a.password)

	rsp, err := a.client.Do(req)
	if err != nil {
		// Connect errors and resets are transient.
		return Transient(err)
	}
	defer rsp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(rsp.Body, 4096))
	if rsp.StatusCode >= 200 && rsp.StatusCode < 300 {
		return nil
	}
	return classifyHTTP(rsp.StatusCode, fmt.Errorf("import returned %s: %s", rsp.Status, strings.TrimSpace(string(body))))
}

// commitArchive moves a prearchived session into the permanent archive after a
// successful import. Runs inside the send retry loop, so a transient failure
// here re-runs the import (overwrite=append makes that safe).
func (a *xnatAdapter) commitArchive(ctx context.Context, sc SendContext) error {
	form := url.Values{}
	form.Set("project", sc.Project)
	form.Set("subject", sc.Subject)
	form.Set("session", sc.Session)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+archiveEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.username, a.password)

	rsp, err := a.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer rsp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(rsp.Body, 4096))
	if rsp.StatusCode >= 200 && rsp.StatusCode < 300 {
		return nil
	}
	return classifyHTTP(rsp.StatusCode, fmt.Errorf("archive action returned %s: %s", rsp.Status, strings.TrimSpace(string(body))))
}

// classifyHTTP maps a status code to transient or permanent: 5xx, 408, and
// 429 retry; other 4xx are terminal.
func classifyHTTP(code int, err error) error {
	if code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return Transient(err)
	}
	return Permanent(err)
}

// zipStudy writes the files into a temp zip archive and returns its path.
// The caller removes the archive.
func zipStudy(files []string) (string, error) {
	tmp, err := os.CreateTemp("", "dicomgate-upload-*.zip")
	if err != nil {
		return "", err
	}
	zw := zip.NewWriter(tmp)
	for _, path := range files {
		src, err := os.Open(path)
		if err != nil {
			zw.Close()
			tmp.Close()
			os.Remove(tmp.Name())
			return "", err
		}
		dst, err := zw.Create(filepath.Base(path))
		if err == nil {
			_, err = io.Copy(dst, src)
		}
		src.Close()
		if err != nil {
			zw.Close()
			tmp.Close()
			os.Remove(tmp.Name())
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
