package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tributo-cl/backoffice/pkg/credentials"
	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/portal"
	"github.com/tributo-cl/backoffice/pkg/store"
)

// ErrCancelled reports cooperative cancellation observed on the sync log.
var ErrCancelled = errors.New("sync cancelled")

// Fallback code sets used when a period's summary fails or is empty.
var (
	fallbackPurchaseCodes = []int{33, 34, 46, 56, 61}
	fallbackSalesCodes    = []int{33, 34, 39, 41, 52, 56, 61}
)

// DocumentHook runs inside the per-record transaction after a document is
// inserted or updated. Contact derivation hangs off this.
type DocumentHook interface {
	DocumentPersisted(ctx context.Context, q store.Querier, doc *domain.Document, company *domain.Company) error
}

// Archiver receives raw payloads best-effort; failures are logged, never
// propagated.
type Archiver interface {
	ArchiveDocument(ctx context.Context, companyID string, period string, payload map[string]any) error
}

// Config tunes the coordinator. Zero values take the documented defaults.
type Config struct {
	BatchSize        int             // flush threshold, default 1000
	ProgressInterval int             // periods between progress persists, default 10
	Backoff          []time.Duration // portal retry schedule, default 30s/60s/120s
	HistoryYears     int             // full-history fallback window, default 5
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 10
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	}
	if c.HistoryYears <= 0 {
		c.HistoryYears = 5
	}
	return c
}

// Coordinator drives a single portal session across monthly periods,
// batching raw rows and upserting them under per-record transactions.
// A Coordinator is safe for concurrent use; each job opens its own session.
type Coordinator struct {
	cfg       Config
	log       *slog.Logger
	creds     *credentials.Store
	open      portal.Factory
	db        *store.DB
	docs      *store.DocumentStore
	companies *store.CompanyStore
	logs      *store.SyncLogStore
	validator *Validator
	mapper    *Mapper
	hooks     []DocumentHook
	archiver  Archiver
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// NewCoordinator wires the ingestion coordinator. archiver may be nil.
func NewCoordinator(cfg Config, log *slog.Logger, creds *credentials.Store, open portal.Factory,
	db *store.DB, docs *store.DocumentStore, companies *store.CompanyStore, logs *store.SyncLogStore,
	archiver Archiver, hooks ...DocumentHook) *Coordinator {
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		log:       log,
		creds:     creds,
		open:      open,
		db:        db,
		docs:      docs,
		companies: companies,
		logs:      logs,
		validator: NewValidator(log),
		mapper:    NewMapper(log),
		hooks:     hooks,
		archiver:  archiver,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// WithClock overrides the clock and disables retry sleeps, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	c.mapper = c.mapper.WithClock(now)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SyncPeriod ingests documents for [from, to], both normalised to their
// months. The sync log must already exist; counters and terminal state are
// written through it.
func (c *Coordinator) SyncPeriod(ctx context.Context, company *domain.Company, from, to time.Time, syncLog *domain.SyncLog) (domain.SyncCounters, error) {
	if err := validateRange(from, to, c.now()); err != nil {
		c.finish(ctx, syncLog, domain.SyncFailed, err.Error())
		return syncLog.Counters, err
	}
	return c.run(ctx, company, domain.PeriodsBetween(from, to), syncLog)
}

// SyncFullHistory ingests from the taxpayer's activity start, or the
// configured number of years back when no activity start is known.
func (c *Coordinator) SyncFullHistory(ctx context.Context, company *domain.Company, syncLog *domain.SyncLog) (domain.SyncCounters, error) {
	now := c.now()
	from := now.AddDate(-c.cfg.HistoryYears, 0, 0)
	if tp, err := c.companies.GetTaxPayer(ctx, company.ID); err == nil && tp.ActivityStart != nil {
		from = *tp.ActivityStart
	}
	return c.run(ctx, company, domain.PeriodsBetween(from, now), syncLog)
}

func validateRange(from, to, now time.Time) error {
	if from.After(to) {
		return fmt.Errorf("invalid range: from %s after to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	if to.After(now) {
		return fmt.Errorf("invalid range: to %s is in the future", to.Format("2006-01-02"))
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, company *domain.Company, periods []domain.Period, syncLog *domain.SyncLog) (domain.SyncCounters, error) {
	creds, err := c.creds.LoadValid(ctx, company.ID)
	if err != nil {
		c.finish(ctx, syncLog, domain.SyncFailed, err.Error())
		return syncLog.Counters, err
	}

	session, err := c.open(creds)
	if err != nil {
		c.finish(ctx, syncLog, domain.SyncFailed, err.Error())
		return syncLog.Counters, fmt.Errorf("open portal session: %w", err)
	}
	defer session.Close()

	if err := session.Authenticate(ctx); err != nil {
		if _, ferr := c.creds.RecordFailure(ctx, company.ID); ferr != nil {
			c.log.Error("recording auth failure", "company", company.ID, "err", ferr)
		}
		c.finish(ctx, syncLog, domain.SyncFailed, err.Error())
		return syncLog.Counters, err
	}
	if err := c.creds.MarkVerified(ctx, company.ID); err != nil {
		c.log.Error("marking credentials verified", "company", company.ID, "err", err)
	}

	if err := c.logs.MarkRunning(ctx, syncLog.ID); err != nil {
		return syncLog.Counters, err
	}

	var batch []portal.RawDocument
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		counters := c.processBatch(ctx, company, batch, syncLog)
		syncLog.Counters.Add(counters)
		batch = batch[:0]
		return c.logs.UpdateProgress(ctx, syncLog)
	}

	for i, period := range periods {
		if cancelled, err := c.cancelled(ctx, syncLog); err != nil {
			return syncLog.Counters, err
		} else if cancelled {
			c.finish(ctx, syncLog, domain.SyncCancelled, "")
			return syncLog.Counters, ErrCancelled
		}

		rows, err := c.fetchPeriod(ctx, session, company, period, syncLog)
		if err != nil {
			// Auth loss mid-job is fatal; everything else was already
			// degraded to fallbacks or skips inside fetchPeriod.
			c.finish(ctx, syncLog, domain.SyncFailed, err.Error())
			return syncLog.Counters, err
		}
		batch = append(batch, rows...)

		if len(batch) >= c.cfg.BatchSize {
			if cancelled, err := c.cancelled(ctx, syncLog); err != nil {
				return syncLog.Counters, err
			} else if cancelled {
				c.finish(ctx, syncLog, domain.SyncCancelled, "")
				return syncLog.Counters, ErrCancelled
			}
			if err := flush(); err != nil {
				return syncLog.Counters, err
			}
		}

		if (i+1)%c.cfg.ProgressInterval == 0 {
			syncLog.ProgressPercentage = (i + 1) * 100 / len(periods)
			if err := c.logs.UpdateProgress(ctx, syncLog); err != nil {
				return syncLog.Counters, err
			}
		}
	}

	if err := flush(); err != nil {
		return syncLog.Counters, err
	}
	c.finish(ctx, syncLog, domain.SyncCompleted, "")
	return syncLog.Counters, nil
}

func (c *Coordinator) cancelled(ctx context.Context, syncLog *domain.SyncLog) (bool, error) {
	status, err := c.logs.Status(ctx, syncLog.ID)
	if err != nil {
		return false, err
	}
	return status == domain.SyncCancelled, nil
}

func (c *Coordinator) finish(ctx context.Context, syncLog *domain.SyncLog, status domain.SyncStatus, errMsg string) {
	if err := c.logs.Finish(ctx, syncLog, status, errMsg); err != nil {
		c.log.Error("finalising sync log", "sync_log", syncLog.ID, "err", err)
	}
}

// fetchPeriod pulls one period's purchase then sales rows, tagging each
// with the operation direction, company, task and period.
func (c *Coordinator) fetchPeriod(ctx context.Context, session portal.Session, company *domain.Company, period domain.Period, syncLog *domain.SyncLog) ([]portal.RawDocument, error) {
	purchaseCodes, salesCodes, err := c.periodCodes(ctx, session, period)
	if err != nil {
		return nil, err
	}

	var out []portal.RawDocument
	appendRows := func(rows []portal.RawDocument, operation string) {
		for _, row := range rows {
			row.TipoOperacion = operation
			row.CompanyTaxID = company.TaxID.String()
			row.TaskID = syncLog.TaskID
			row.Period = period.Compact()
			out = append(out, row)
		}
	}

	for _, code := range purchaseCodes {
		rows, err := c.retryFetch(ctx, func() ([]portal.RawDocument, error) {
			return session.PurchaseDocuments(ctx, period, code)
		})
		if errors.Is(err, portal.ErrAuth) {
			return nil, err
		}
		if err != nil {
			c.log.Warn("purchase fetch failed, skipping code",
				"period", period.String(), "code", code, "err", err)
			continue
		}
		appendRows(rows, portal.OperationReceived)
	}
	for _, code := range salesCodes {
		rows, err := c.retryFetch(ctx, func() ([]portal.RawDocument, error) {
			return session.SalesDocuments(ctx, period, code)
		})
		if errors.Is(err, portal.ErrAuth) {
			return nil, err
		}
		if err != nil {
			c.log.Warn("sales fetch failed, skipping code",
				"period", period.String(), "code", code, "err", err)
			continue
		}
		appendRows(rows, portal.OperationIssued)
	}
	return out, nil
}

// periodCodes discovers which type codes have content in the period. A
// failed or empty summary degrades to the fixed fallback sets, except on
// auth loss, which is fatal to the whole job and surfaces immediately.
func (c *Coordinator) periodCodes(ctx context.Context, session portal.Session, period domain.Period) (purchases, sales []int, err error) {
	summary, err := session.DocumentsSummary(ctx, period)
	if errors.Is(err, portal.ErrAuth) {
		return nil, nil, err
	}
	if err != nil {
		c.log.Warn("documents summary failed, using fallback codes",
			"period", period.String(), "err", err)
		return fallbackPurchaseCodes, fallbackSalesCodes, nil
	}
	for _, tc := range summary.Purchases {
		if tc.Count > 0 {
			purchases = append(purchases, tc.Code)
		}
	}
	for _, tc := range summary.Sales {
		if tc.Count > 0 {
			sales = append(sales, tc.Code)
		}
	}
	if len(purchases) == 0 && len(sales) == 0 {
		return fallbackPurchaseCodes, fallbackSalesCodes, nil
	}
	return purchases, sales, nil
}

// retryFetch retries timeouts and transient failures on the backoff
// schedule; auth failures and other errors surface immediately.
func (c *Coordinator) retryFetch(ctx context.Context, fetch func() ([]portal.RawDocument, error)) ([]portal.RawDocument, error) {
	var lastErr error
	for attempt := 0; attempt <= len(c.cfg.Backoff); attempt++ {
		rows, err := fetch()
		if err == nil {
			return rows, nil
		}
		if !errors.Is(err, portal.ErrTimeout) && !errors.Is(err, portal.ErrTransient) {
			return nil, err
		}
		lastErr = err
		if attempt < len(c.cfg.Backoff) {
			if serr := c.sleep(ctx, c.cfg.Backoff[attempt]); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

// processBatch runs validate, map and upsert per record, each under its own
// transaction. One record's failure never aborts the batch.
func (c *Coordinator) processBatch(ctx context.Context, company *domain.Company, batch []portal.RawDocument, syncLog *domain.SyncLog) domain.SyncCounters {
	var counters domain.SyncCounters
	for _, rec := range batch {
		counters.Processed++
		created, err := c.processRecord(ctx, company, rec)
		if err != nil {
			counters.Errors++
			c.recordError(syncLog, rec, err)
			continue
		}
		if created {
			counters.Created++
		} else {
			counters.Updated++
		}
	}
	return counters
}

// processRecord is the per-DTE atomic scope. Returns whether a new row was
// created.
func (c *Coordinator) processRecord(ctx context.Context, company *domain.Company, rec portal.RawDocument) (created bool, err error) {
	if err := c.validator.Validate(rec); err != nil {
		return false, err
	}
	mapped, err := c.mapper.Map(rec, company.ID, company.TaxID)
	if err != nil {
		return false, err
	}

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := c.docs.EnsureType(ctx, tx, mapped.Type); err != nil {
			return err
		}
		doc := mapped.Document
		existing, err := c.docs.FindByKey(ctx, tx, doc.Issuer.RUT, doc.TypeCode, doc.Folio)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := c.docs.Insert(ctx, tx, &doc); err != nil {
				return err
			}
			created = true
		case err != nil:
			return err
		default:
			doc.ID = existing.ID
			doc.CreatedAt = existing.CreatedAt
			if err := c.docs.Update(ctx, tx, &doc); err != nil {
				return err
			}
		}
		for _, hook := range c.hooks {
			if err := hook.DocumentPersisted(ctx, tx, &doc, company); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if c.archiver != nil {
		if aerr := c.archiver.ArchiveDocument(ctx, company.ID, rec.Period, rec.Fields); aerr != nil {
			c.log.Warn("archiving raw payload", "period", rec.Period, "err", aerr)
		}
	}
	return created, nil
}

// recordError appends a stable error entry into sync_data.errors.
func (c *Coordinator) recordError(syncLog *domain.SyncLog, rec portal.RawDocument, err error) {
	if syncLog.SyncData == nil {
		syncLog.SyncData = make(map[string]any)
	}
	entries, _ := syncLog.SyncData["errors"].([]any)
	folio, _ := rec.Folio()
	entries = append(entries, map[string]any{
		"period": rec.Period,
		"folio":  fmt.Sprintf("%v", folio),
		"reason": err.Error(),
	})
	syncLog.SyncData["errors"] = entries
}
