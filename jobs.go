package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"feesync/internal/config"
	reportsapp "feesync/internal/reports/application"
	reports "feesync/internal/reports/domain"
	"feesync/internal/reports/infrastructure/dropbox"
	"feesync/internal/reports/infrastructure/sftp"
)

const jobTimeout = 2 * time.Hour

// mirrorJob opens fresh transfer and object-store sessions for every run.
type mirrorJob struct {
	cfg    config.Config
	logger *zap.Logger
}

func newMirrorJob(cfg config.Config, logger *zap.Logger) *mirrorJob {
	return &mirrorJob{cfg: cfg, logger: logger.Named("reports")}
}

// Run executes one mirror pass.
func (j *mirrorJob) Run(ctx context.Context) (reportsapp.MirrorResult, error) {
	transfer, err := sftp.Dial(ctx, sftp.Config{
		Host:           j.cfg.SFTP.Host,
		Port:           j.cfg.SFTP.Port,
		Username:       j.cfg.SFTP.Username,
		Password:       j.cfg.SFTP.Password,
		PrivateKey:     j.cfg.SFTP.PrivateKey,
		KnownHostsFile: j.cfg.SFTP.KnownHostsFile,
		Timeout:        j.cfg.SFTP.Timeout,
		FetchAttempts:  j.cfg.SFTP.FetchAttempts,
	}, j.logger)
	if err != nil {
		return reportsapp.MirrorResult{Status: reportsapp.MirrorFailed}, err
	}
	defer func() { _ = transfer.Close() }()

	store, err := dropbox.New(ctx, dropbox.Config{
		AppKey:          j.cfg.Dropbox.AppKey,
		AppSecret:       j.cfg.Dropbox.AppSecret,
		RefreshToken:    j.cfg.Dropbox.RefreshToken,
		CredentialsFile: j.cfg.Dropbox.CredentialsFile,
		Timeout:         j.cfg.Dropbox.Timeout,
		UploadInterval:  j.cfg.Dropbox.UploadInterval,
		MaxAttempts:     j.cfg.Dropbox.MaxAttempts,
	}, j.logger)
	if err != nil {
		return reportsapp.MirrorResult{Status: reportsapp.MirrorFailed}, err
	}

	service, err := reportsapp.NewMirrorService(transfer, store, reportsapp.MirrorConfig{
		RemoteDir:         j.cfg.Reports.RemoteDir,
		DownloadDir:       j.cfg.Reports.DownloadDir,
		TargetFolder:      j.cfg.Dropbox.TargetFolder,
		Workers:           j.cfg.Reports.DownloadWorkers,
		RetryRounds:       j.cfg.Reports.RetryRounds,
		RetryPause:        5 * time.Second,
		DeleteAfterUpload: j.cfg.Reports.DeleteAfterUpload,
		Selection: reports.SelectionOptions{
			MaxCategorySkewDays: j.cfg.Reports.MaxCategorySkewDays,
			MaxFrontierLagDays:  j.cfg.Reports.MaxFrontierLagDays,
		},
	}, j.logger)
	if err != nil {
		return reportsapp.MirrorResult{Status: reportsapp.MirrorFailed}, err
	}
	return service.Run(ctx)
}

type mirrorRunner interface {
	Run(ctx context.Context) (reportsapp.MirrorResult, error)
}

func runMirror(ctx context.Context, job mirrorRunner) error {
	result, err := job.Run(ctx)
	if err != nil {
		return err
	}
	if result.Status == reportsapp.MirrorFailed {
		return fmt.Errorf("report mirror failed: %d failures", len(result.Failures))
	}
	return nil
}

// feeJobs is the fee side of the command line jobs.
type feeJobs interface {
	SyncFees(ctx context.Context, full bool) error
	RefreshSnapshots(ctx context.Context, full bool) error
	Close()
}

// runAll runs every job in order. A failure is recorded and the next job still runs.
// The fee services are opened after the mirror so a database outage only fails the fee jobs.
func runAll(ctx context.Context, mirror mirrorRunner, openFees func(context.Context) (feeJobs, error), logger *zap.Logger) error {
	var (
		app     feeJobs
		openErr error
		opened  bool
	)
	fees := func(ctx context.Context) (feeJobs, error) {
		if !opened {
			opened = true
			app, openErr = openFees(ctx)
			if openErr != nil {
				openErr = fmt.Errorf("open fee services: %w", openErr)
			}
		}
		return app, openErr
	}
	defer func() {
		if app != nil {
			app.Close()
		}
	}()

	type task struct {
		name string
		fn   func(context.Context) error
	}
	tasks := []task{
		{"mirror-reports", func(ctx context.Context) error { return runMirror(ctx, mirror) }},
		{"sync-fees", func(ctx context.Context) error {
			jobs, err := fees(ctx)
			if err != nil {
				return err
			}
			return jobs.SyncFees(ctx, false)
		}},
		{"refresh-snapshots", func(ctx context.Context) error {
			jobs, err := fees(ctx)
			if err != nil {
				return err
			}
			return jobs.RefreshSnapshots(ctx, false)
		}},
	}

	var errs []error
	for _, t := range tasks {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, ctx.Err()))
			continue
		}
		start := time.Now()
		err := t.fn(ctx)
		if err != nil {
			logger.Error("task failed", zap.String("task", t.name), zap.Duration("duration", time.Since(start)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		logger.Info("task finished", zap.String("task", t.name), zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}

type zapCronLogger struct{ logger *zap.Logger }

func (l zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// newScheduler registers the configured job schedules. Empty specs are skipped.
func newScheduler(ctx context.Context, specs config.ScheduleConfig, mirror mirrorRunner, app feeJobs, logger *zap.Logger) (*cron.Cron, error) {
	cronLogger := zapCronLogger{logger: logger.Named("cron")}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"mirror-reports", specs.MirrorReports, func(ctx context.Context) error { return runMirror(ctx, mirror) }},
		{"sync-fees", specs.SyncFees, func(ctx context.Context) error { return app.SyncFees(ctx, false) }},
		{"refresh-snapshots", specs.RefreshSnapshots, func(ctx context.Context) error { return app.RefreshSnapshots(ctx, false) }},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		_, err := c.AddFunc(job.spec, func() {
			rctx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			if err := job.fn(rctx); err != nil {
				logger.Error("scheduled job failed", zap.String("job", job.name), zap.Error(err))
				return
			}
			logger.Info("scheduled job finished", zap.String("job", job.name))
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
		logger.Info("job scheduled", zap.String("job", job.name), zap.String("spec", job.spec))
	}
	return c, nil
}
