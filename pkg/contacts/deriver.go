// Package contacts derives per-company contacts from document
// counterparties. Derivation runs synchronously inside the document upsert
// transaction, so a document is never persisted without its contact-side
// effect being attempted.
package contacts

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/store"
)

// Deriver creates or augments contacts from persisted documents.
type Deriver struct {
	log      *slog.Logger
	contacts *store.ContactStore
}

func NewDeriver(log *slog.Logger, contacts *store.ContactStore) *Deriver {
	return &Deriver{log: log, contacts: contacts}
}

// DocumentPersisted is the upsert-path hook. It joins the caller's
// transaction through q.
func (d *Deriver) DocumentPersisted(ctx context.Context, q store.Querier, doc *domain.Document, company *domain.Company) error {
	counterparty, isClient, ok := counterpartyOf(doc, company.TaxID)
	if !ok {
		return nil
	}
	return d.merge(ctx, q, company, counterparty, isClient)
}

// counterpartyOf picks the contact-side party and role for a document.
// Issued documents yield the recipient as a client; received documents
// yield the issuer as a provider. Unknown direction, a zero counterparty or
// the company itself yield nothing.
func counterpartyOf(doc *domain.Document, company domain.RUT) (domain.Party, bool, bool) {
	switch doc.Direction(company) {
	case domain.DirectionIssued:
		return doc.Recipient, true, usable(doc.Recipient.RUT, company)
	case domain.DirectionReceived:
		return doc.Issuer, false, usable(doc.Issuer.RUT, company)
	default:
		return domain.Party{}, false, false
	}
}

func usable(rut, company domain.RUT) bool {
	return !rut.IsZero() && rut != company
}

// merge creates the contact or augments an existing one. Roles are
// additive; name and address only fill empty fields, never overwrite.
func (d *Deriver) merge(ctx context.Context, q store.Querier, company *domain.Company, party domain.Party, isClient bool) error {
	existing, err := d.contacts.Get(ctx, q, company.ID, party.RUT)
	if errors.Is(err, store.ErrNotFound) {
		contact := &domain.Contact{
			CompanyID:  company.ID,
			TaxID:      party.RUT,
			Name:       party.Name,
			Address:    party.Address,
			IsClient:   isClient,
			IsProvider: !isClient,
			IsActive:   true,
		}
		return d.contacts.Insert(ctx, q, contact)
	}
	if err != nil {
		return err
	}

	changed := false
	if isClient && !existing.IsClient {
		existing.IsClient = true
		changed = true
	}
	if !isClient && !existing.IsProvider {
		existing.IsProvider = true
		changed = true
	}
	if existing.Name == "" && party.Name != "" {
		existing.Name = party.Name
		changed = true
	}
	if existing.Address == "" && party.Address != "" {
		existing.Address = party.Address
		changed = true
	}
	if !changed {
		return nil
	}
	return d.contacts.Update(ctx, q, existing)
}

// RebuildResult counts one rebuild pass.
type RebuildResult struct {
	Documents int
	Created   int
	Updated   int
	Skipped   int
}

// Rebuild re-derives contacts from a company's existing documents using the
// same rules as the upsert hook. With dryRun, nothing is written and the
// counters report what would change.
func (d *Deriver) Rebuild(ctx context.Context, db *store.DB, docs *store.DocumentStore, company *domain.Company, dryRun bool) (RebuildResult, error) {
	var res RebuildResult
	all, err := docs.ListByCompany(ctx, company.ID)
	if err != nil {
		return res, err
	}
	for _, doc := range all {
		res.Documents++
		party, isClient, ok := counterpartyOf(doc, company.TaxID)
		if !ok {
			res.Skipped++
			continue
		}
		existing, err := d.contacts.Get(ctx, db, company.ID, party.RUT)
		isNew := errors.Is(err, store.ErrNotFound)
		if err != nil && !isNew {
			return res, err
		}
		if dryRun {
			if isNew {
				res.Created++
			} else if wouldChange(existing, party, isClient) {
				res.Updated++
			} else {
				res.Skipped++
			}
			continue
		}
		if err := d.merge(ctx, db, company, party, isClient); err != nil {
			return res, err
		}
		if isNew {
			res.Created++
		} else if wouldChange(existing, party, isClient) {
			res.Updated++
		} else {
			res.Skipped++
		}
	}
	d.log.Info("contact rebuild finished", "company", company.ID, "dry_run", dryRun,
		"documents", res.Documents, "created", res.Created, "updated", res.Updated)
	return res, nil
}

func wouldChange(existing *domain.Contact, party domain.Party, isClient bool) bool {
	if isClient && !existing.IsClient {
		return true
	}
	if !isClient && !existing.IsProvider {
		return true
	}
	if existing.Name == "" && party.Name != "" {
		return true
	}
	if existing.Address == "" && party.Address != "" {
		return true
	}
	return false
}
