package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tributo-cl/backoffice/pkg/store"
)

// ReferenceLinker resolves credit/debit note back-references: documents
// naming a (reference_folio, reference_folio_type) are linked to the
// referenced document row when one exists under the same issuer.
type ReferenceLinker struct {
	log  *slog.Logger
	docs *store.DocumentStore
}

func NewReferenceLinker(log *slog.Logger, docs *store.DocumentStore) *ReferenceLinker {
	return &ReferenceLinker{log: log, docs: docs}
}

// LinkResult counts one linking pass.
type LinkResult struct {
	Examined int
	Linked   int
	Missing  int // referenced document not ingested yet
}

// Link resolves up to limit unlinked references, optionally scoped to one
// company. Idempotent: already linked documents are never revisited.
func (r *ReferenceLinker) Link(ctx context.Context, companyID string, limit int) (LinkResult, error) {
	var res LinkResult
	pending, err := r.docs.ListUnlinkedReferences(ctx, companyID, limit)
	if err != nil {
		return res, err
	}
	for _, doc := range pending {
		res.Examined++
		target, err := r.docs.FindByKey(ctx, r.docs.DB(), doc.Issuer.RUT, doc.ReferenceFolioType, doc.ReferenceFolio)
		if errors.Is(err, store.ErrNotFound) {
			res.Missing++
			continue
		}
		if err != nil {
			return res, err
		}
		if err := r.docs.LinkReference(ctx, doc.ID, target.ID); err != nil {
			return res, err
		}
		res.Linked++
	}
	r.log.Info("reference linking pass finished",
		"examined", res.Examined, "linked", res.Linked, "missing", res.Missing)
	return res, nil
}
