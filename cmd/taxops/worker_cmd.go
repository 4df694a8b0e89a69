package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tributo-cl/backoffice/pkg/archive"
	"github.com/tributo-cl/backoffice/pkg/contacts"
	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/forms"
	"github.com/tributo-cl/backoffice/pkg/ingest"
	"github.com/tributo-cl/backoffice/pkg/observability"
	"github.com/tributo-cl/backoffice/pkg/portal"
	"github.com/tributo-cl/backoffice/pkg/process"
	"github.com/tributo-cl/backoffice/pkg/queue"
	"github.com/tributo-cl/backoffice/pkg/segments"
)

// runWorker consumes the task queues and runs the deadline monitor until
// SIGINT/SIGTERM.
func runWorker(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	deadlineEvery := fs.Duration("deadline-interval", time.Hour, "deadline scan interval")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitCode(err)
	}
	defer a.Close()

	ropts, err := redis.ParseURL(a.cfg.TaskBrokerURL)
	if err != nil {
		fmt.Fprintf(stderr, "parse TASK_BROKER_URL: %v\n", err)
		return 1
	}
	rdb := redis.NewClient(ropts)
	defer rdb.Close()

	obs, err := observability.New(ctx, a.log, &observability.Config{
		ServiceName:  "taxops-backoffice",
		OTLPEndpoint: a.cfg.OTLPEndpoint,
		Insecure:     true,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer obs.Shutdown(context.Background())

	var archiver ingest.Archiver
	if a.cfg.ArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "load aws config: %v\n", err)
			return 1
		}
		archiver = archive.New(a.log, s3.NewFromConfig(awsCfg), a.cfg.ArchiveBucket)
	}

	open := portal.NewClient(portal.ClientConfig{
		BaseURL:  a.cfg.PortalBaseURL,
		LoginURL: a.cfg.PortalLoginURL,
		Timeout:  a.cfg.PortalTimeout,
		Headless: a.cfg.Headless,
	})
	client := queue.NewClient(rdb)

	deriver := contacts.NewDeriver(a.log, a.contacts)
	coordinator := ingest.NewCoordinator(ingest.Config{
		BatchSize:        a.cfg.SyncBatchSize,
		ProgressInterval: a.cfg.SyncProgressInterval,
	}, a.log, a.creds, open, a.db, a.docs, a.companies, a.logs, archiver, deriver)
	formSync := forms.NewService(a.log, a.creds, open, a.forms, a.companies, client)
	extractor := forms.NewExtractor(a.log, a.creds, open, a.forms)

	materialiser := process.NewMaterialiser(a.log, a.db, a.processes, a.cfg.TimeZone)
	generator := process.NewGenerator(a.log, a.db, a.processes, a.cfg.TimeZone)
	engine := process.NewEngine(a.log, a.db, a.processes, newTaskRunner(a.log, client), generator)
	evaluator := segments.NewEvaluator(a.log, a.segments)
	assigner, err := segments.NewAssigner(a.log, evaluator, a.segments, a.companies,
		&applyAndStart{materialiser: materialiser, engine: engine})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	w := queue.NewWorker(a.log, rdb).
		Handle(queue.TypeSyncDocuments, instrument(obs, queue.TypeSyncDocuments,
			syncDocumentsHandler(a, coordinator))).
		Handle(queue.TypeSyncForms, instrument(obs, queue.TypeSyncForms,
			syncFormsHandler(a, formSync))).
		Handle(queue.TypeFormDetail, instrument(obs, queue.TypeFormDetail,
			func(ctx context.Context, raw json.RawMessage) error {
				var j forms.DetailJob
				if err := json.Unmarshal(raw, &j); err != nil {
					return err
				}
				return extractor.Extract(ctx, j.FormID, false)
			})).
		Handle(queue.TypeApplySegment, instrument(obs, queue.TypeApplySegment,
			func(ctx context.Context, raw json.RawMessage) error {
				var p queue.ApplySegmentPayload
				if err := json.Unmarshal(raw, &p); err != nil {
					return err
				}
				company, err := a.companies.Get(ctx, p.CompanyID)
				if err != nil {
					return err
				}
				_, err = assigner.AssignSegment(ctx, company, true)
				return err
			}))

	monitor := process.NewMonitor(a.log, a.processes, queue.NewAlertPublisher(rdb))
	go func() {
		if err := monitor.Run(ctx, *deadlineEvery); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("deadline monitor stopped", "err", err)
		}
	}()

	fmt.Fprintln(stdout, "worker started")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
		return 2
	}
	return 0
}

// instrument wraps a queue handler with job metrics.
func instrument(obs *observability.Provider, name string, h queue.Handler) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		done := obs.TrackJob(ctx, name, attribute.String("queue.job", name))
		err := h(ctx, raw)
		done(err)
		return err
	}
}

func syncDocumentsHandler(a *app, coordinator *ingest.Coordinator) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var p queue.SyncDocumentsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		company, err := a.companies.Get(ctx, p.CompanyID)
		if err != nil {
			return err
		}

		// Validate the range before a sync log exists, so a malformed
		// payload never strands a log row in running.
		fullHistory := p.FullHistory || p.From == ""
		var from, to domain.Period
		if !fullHistory {
			if from, err = domain.ParsePeriod(p.From); err != nil {
				return fmt.Errorf("bad from period %q: %w", p.From, err)
			}
			to = from
			if p.To != "" {
				if to, err = domain.ParsePeriod(p.To); err != nil {
					return fmt.Errorf("bad to period %q: %w", p.To, err)
				}
			}
		}

		l := &domain.SyncLog{
			CompanyID: company.ID,
			SyncType:  queue.TypeSyncDocuments,
			TaskID:    uuid.NewString(),
		}
		if err := a.logs.Create(ctx, l); err != nil {
			return err
		}
		if err := a.logs.MarkRunning(ctx, l.ID); err != nil {
			return err
		}
		if fullHistory {
			_, err = coordinator.SyncFullHistory(ctx, company, l)
			return err
		}
		_, err = coordinator.SyncPeriod(ctx, company,
			from.FirstDay(a.cfg.TimeZone), to.FirstDay(a.cfg.TimeZone), l)
		return err
	}
}

func syncFormsHandler(a *app, svc *forms.Service) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var p queue.SyncFormsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		company, err := a.companies.Get(ctx, p.CompanyID)
		if err != nil {
			return err
		}
		code := domain.FormCode(p.FormCode)
		if code == "" {
			code = domain.FormF29
		}
		if p.Year == 0 {
			_, err = svc.SyncAllHistoricalForms(ctx, company, code)
			return err
		}
		_, err = svc.SyncForms(ctx, company, p.Year, 0, "", code)
		return err
	}
}

// applyAndStart materialises a template and immediately starts its
// execution, so rule-assigned processes begin advancing without an
// operator action.
type applyAndStart struct {
	materialiser *process.Materialiser
	engine       *process.Engine
}

func (s *applyAndStart) ApplyTemplate(ctx context.Context, templateID string, company *domain.Company,
	createdBy string, overrides map[string]any) (*domain.Process, error) {
	proc, err := s.materialiser.ApplyTemplate(ctx, templateID, company, createdBy, overrides)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.StartProcess(ctx, proc.ID, nil); err != nil {
		return nil, err
	}
	return proc, nil
}

// newTaskRunner dispatches automatic tasks. Tasks bound to a job type in
// their config enqueue that job; unbound automatic tasks complete
// immediately so checklist-style steps do not stall a wave.
func newTaskRunner(log *slog.Logger, client *queue.Client) process.Runner {
	return process.RunnerFunc(func(ctx context.Context, task *domain.Task, _ *domain.ProcessExecution) error {
		jobType, _ := task.TaskData["job_type"].(string)
		switch jobType {
		case "":
			log.Info("automatic task has no job binding", "task", task.ID, "title", task.Title)
			return nil
		case queue.TypeSyncDocuments:
			full, _ := task.TaskData["full_history"].(bool)
			return client.EnqueueSyncDocuments(ctx, queue.SyncDocumentsPayload{
				CompanyID:   task.CompanyID,
				FullHistory: full,
			})
		case queue.TypeSyncForms:
			code, _ := task.TaskData["form_code"].(string)
			return client.EnqueueSyncForms(ctx, queue.SyncFormsPayload{
				CompanyID: task.CompanyID,
				FormCode:  code,
			})
		case queue.TypeApplySegment:
			return client.EnqueueApplySegment(ctx, queue.ApplySegmentPayload{CompanyID: task.CompanyID})
		default:
			return fmt.Errorf("unknown automatic job type %q", jobType)
		}
	})
}
