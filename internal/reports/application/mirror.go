package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"feesync/internal/observability/metrics"
	reports "feesync/internal/reports/domain"
	"feesync/internal/retry"
)

// TransferClient lists and retrieves files from the counterparty endpoint.
type TransferClient interface {
	List(ctx context.Context, remoteDir string) ([]string, error)
	// Fetch copies remotePath to localPath, retrying internally.
	Fetch(ctx context.Context, remotePath, localPath string) error
}

// ObjectStoreClient writes files into the cloud file-sync destination.
type ObjectStoreClient interface {
	Put(ctx context.Context, localPath, remotePath string) error
	// DeleteAll removes every entry in folder. A missing folder is not an error.
	DeleteAll(ctx context.Context, folder string) error
	ListAll(ctx context.Context, folder string) ([]reports.StoredObject, error)
}

// WorkbookValidator checks a downloaded file before it is forwarded.
type WorkbookValidator interface {
	Validate(localPath string) error
}

// ExcelValidator requires the file to open as a workbook with at least one sheet.
type ExcelValidator struct{}

// Validate opens the workbook and lists its sheets.
func (ExcelValidator) Validate(localPath string) error {
	f, err := excelize.OpenFile(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", reports.ErrInvalidWorkbook, filepath.Base(localPath), err)
	}
	defer f.Close()
	if len(f.GetSheetList()) == 0 {
		return fmt.Errorf("%w: %s: no sheets", reports.ErrInvalidWorkbook, filepath.Base(localPath))
	}
	return nil
}

// MirrorStatus summarizes a run.
type MirrorStatus string

const (
	MirrorSuccess MirrorStatus = "success"
	MirrorPartial MirrorStatus = "partial"
	MirrorFailed  MirrorStatus = "failed"
	MirrorEmpty   MirrorStatus = "empty"
)

// FileFailure records a file that did not make it to the destination.
type FileFailure struct {
	File  reports.CandidateFile
	Stage string
	Err   string
}

// MirrorResult reports what a run did.
type MirrorResult struct {
	Status       MirrorStatus
	Listed       int
	Matched      int
	Selected     []string
	Dropped      []reports.DroppedFile
	Uploaded     []string
	Failures     []FileFailure
	FolderWiped  bool
	RetryRounds  int
	Duration     time.Duration
	StartedAt    time.Time
	FinishedAt   time.Time
	LocalRemoved int
}

// MirrorConfig configures the mirror job.
type MirrorConfig struct {
	RemoteDir         string
	DownloadDir       string
	TargetFolder      string
	Workers           int
	RetryRounds       int
	RetryPause        time.Duration
	DeleteAfterUpload bool
	Selection         reports.SelectionOptions
}

// MirrorService copies the freshest counterparty reports into the object store.
type MirrorService struct {
	transfer  TransferClient
	store     ObjectStoreClient
	validator WorkbookValidator
	cfg       MirrorConfig
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// MirrorOption customizes the service.
type MirrorOption func(*MirrorService)

// WithValidator overrides workbook validation.
func WithValidator(v WorkbookValidator) MirrorOption {
	return func(s *MirrorService) {
		if v != nil {
			s.validator = v
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) MirrorOption {
	return func(s *MirrorService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep overrides the pause between retry rounds.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) MirrorOption {
	return func(s *MirrorService) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// NewMirrorService constructs the service.
func NewMirrorService(transfer TransferClient, store ObjectStoreClient, cfg MirrorConfig, logger *zap.Logger, opts ...MirrorOption) (*MirrorService, error) {
	if transfer == nil {
		return nil, errors.New("reports: nil transfer client")
	}
	if store == nil {
		return nil, errors.New("reports: nil object store client")
	}
	if cfg.DownloadDir == "" {
		return nil, errors.New("reports: empty download dir")
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "."
	}
	if cfg.TargetFolder == "" {
		cfg.TargetFolder = "/"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryRounds < 0 {
		cfg.RetryRounds = 0
	}
	if cfg.Selection == (reports.SelectionOptions{}) {
		cfg.Selection = reports.DefaultSelectionOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MirrorService{
		transfer:  transfer,
		store:     store,
		validator: ExcelValidator{},
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     retry.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run lists, selects, fetches, validates, wipes the destination and uploads.
func (s *MirrorService) Run(ctx context.Context) (result MirrorResult, err error) {
	result.StartedAt = s.now()
	defer func() {
		result.FinishedAt = s.now()
		result.Duration = result.FinishedAt.Sub(result.StartedAt)
		status := string(result.Status)
		if status == "" {
			status = metrics.ResultError
		}
		metrics.ObserveReportMirror(status, result.Duration)
	}()

	names, err := s.list(ctx)
	if err != nil {
		return result, err
	}
	result.Listed = len(names)

	selection := reports.SelectFresh(names, s.cfg.Selection)
	result.Matched = selection.Matched
	result.Selected = selection.Filenames()
	result.Dropped = selection.Dropped
	for _, dropped := range selection.Dropped {
		s.logger.Info("report file dropped",
			zap.String("file", dropped.File.Filename),
			zap.String("reason", string(dropped.Reason)),
			zap.String("detail", dropped.Detail))
	}
	s.logger.Info("report selection complete",
		zap.Int("listed", result.Listed),
		zap.Int("matched", result.Matched),
		zap.Int("selected", len(result.Selected)))

	if len(selection.Selected) == 0 {
		result.Status = MirrorEmpty
		return result, nil
	}

	if err := os.MkdirAll(s.cfg.DownloadDir, 0o755); err != nil {
		return result, fmt.Errorf("reports: create download dir: %w", err)
	}

	ready, failures := s.fetchAll(ctx, selection.Selected)
	result.Failures = append(result.Failures, failures...)

	if err := s.store.DeleteAll(ctx, s.cfg.TargetFolder); err != nil {
		s.logger.Warn("destination wipe failed, uploading anyway",
			zap.String("folder", s.cfg.TargetFolder), zap.Error(err))
	} else {
		result.FolderWiped = true
	}

	uploaded, pending, rounds := s.uploadAll(ctx, ready)
	result.RetryRounds = rounds
	for _, file := range uploaded {
		result.Uploaded = append(result.Uploaded, file.Filename)
	}
	sort.Strings(result.Uploaded)
	for _, p := range pending {
		result.Failures = append(result.Failures, FileFailure{File: p.file, Stage: "upload", Err: p.err.Error()})
	}

	if s.cfg.DeleteAfterUpload {
		for _, file := range uploaded {
			local := filepath.Join(s.cfg.DownloadDir, file.Filename)
			if err := os.Remove(local); err != nil {
				s.logger.Warn("local file removal failed", zap.String("file", file.Filename), zap.Error(err))
				continue
			}
			result.LocalRemoved++
		}
	}

	metrics.AddReportFiles("uploaded", len(result.Uploaded))
	metrics.AddReportFiles("failed", len(result.Failures))

	switch {
	case len(result.Failures) == 0:
		result.Status = MirrorSuccess
	case len(result.Uploaded) > 0:
		result.Status = MirrorPartial
	default:
		result.Status = MirrorFailed
	}
	for _, failure := range result.Failures {
		s.logger.Error("report file not mirrored",
			zap.String("entity_id", failure.File.EntityID),
			zap.String("category", string(failure.File.Category)),
			zap.String("file", failure.File.Filename),
			zap.String("stage", failure.Stage),
			zap.String("error", failure.Err))
	}
	s.logger.Info("report mirror finished",
		zap.String("status", string(result.Status)),
		zap.Int("uploaded", len(result.Uploaded)),
		zap.Int("failed", len(result.Failures)))
	return result, nil
}

func (s *MirrorService) list(ctx context.Context) ([]string, error) {
	names, err := s.transfer.List(ctx, s.cfg.RemoteDir)
	if err == nil {
		return names, nil
	}
	if s.cfg.RemoteDir == "." {
		return nil, fmt.Errorf("%w: %w", reports.ErrListingFailed, err)
	}
	s.logger.Warn("listing configured directory failed, falling back to root",
		zap.String("remote_dir", s.cfg.RemoteDir), zap.Error(err))
	names, fallbackErr := s.transfer.List(ctx, ".")
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: %w", reports.ErrListingFailed, errors.Join(err, fallbackErr))
	}
	return names, nil
}

func (s *MirrorService) remotePath(filename string) string {
	if s.cfg.RemoteDir == "." || s.cfg.RemoteDir == "/" {
		return filename
	}
	return path.Join(s.cfg.RemoteDir, filename)
}

func (s *MirrorService) fetchAll(ctx context.Context, files []reports.CandidateFile) ([]reports.CandidateFile, []FileFailure) {
	pool := pond.NewPool(s.cfg.Workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var (
		mu       sync.Mutex
		ready    []reports.CandidateFile
		failures []FileFailure
	)
	for _, file := range files {
		group.Submit(func() {
			stage, err := s.fetchOne(groupCtx, file)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, FileFailure{File: file, Stage: stage, Err: err.Error()})
				return
			}
			ready = append(ready, file)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("parallel fetch encountered error", zap.Error(err))
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].Filename < ready[j].Filename })
	sort.Slice(failures, func(i, j int) bool { return failures[i].File.Filename < failures[j].File.Filename })
	return ready, failures
}

func (s *MirrorService) fetchOne(ctx context.Context, file reports.CandidateFile) (string, error) {
	if err := ctx.Err(); err != nil {
		return "fetch", err
	}
	local := filepath.Join(s.cfg.DownloadDir, file.Filename)
	if err := s.transfer.Fetch(ctx, s.remotePath(file.Filename), local); err != nil {
		return "fetch", fmt.Errorf("%w: %w", reports.ErrFetchFailed, err)
	}
	if err := s.validator.Validate(local); err != nil {
		return "validate", err
	}
	s.logger.Debug("report file fetched", zap.String("file", file.Filename))
	return "", nil
}

type pendingUpload struct {
	file reports.CandidateFile
	err  error
}

func (s *MirrorService) uploadAll(ctx context.Context, files []reports.CandidateFile) ([]reports.CandidateFile, []pendingUpload, int) {
	var uploaded []reports.CandidateFile
	var pending []pendingUpload
	for _, file := range files {
		if err := s.upload(ctx, file); err != nil {
			pending = append(pending, pendingUpload{file: file, err: err})
			continue
		}
		uploaded = append(uploaded, file)
	}

	rounds := 0
	for round := 1; round <= s.cfg.RetryRounds && len(pending) > 0; round++ {
		if err := s.sleep(ctx, s.cfg.RetryPause); err != nil {
			break
		}
		rounds = round
		s.logger.Info("retrying failed uploads", zap.Int("round", round), zap.Int("files", len(pending)))
		var still []pendingUpload
		for _, p := range pending {
			if err := s.upload(ctx, p.file); err != nil {
				still = append(still, pendingUpload{file: p.file, err: err})
				continue
			}
			uploaded = append(uploaded, p.file)
		}
		pending = still
	}
	return uploaded, pending, rounds
}

func (s *MirrorService) upload(ctx context.Context, file reports.CandidateFile) error {
	local := filepath.Join(s.cfg.DownloadDir, file.Filename)
	remote := path.Join(s.cfg.TargetFolder, file.Filename)
	if err := s.store.Put(ctx, local, remote); err != nil {
		s.logger.Warn("upload failed", zap.String("file", file.Filename), zap.Error(err))
		return err
	}
	s.logger.Debug("report file uploaded", zap.String("file", file.Filename), zap.String("remote", remote))
	return nil
}
