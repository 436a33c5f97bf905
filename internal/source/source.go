// Package source reads the document lists a batch works on: FR RCP and
// Notice rows from the MySQL extraction database, and EU rows from the
// monthly centralized CSV file.
package source

import (
	"context"
	"errors"

	"github.com/codexdist/rcpsync/internal/document"
)

// ErrProductNotFound is returned by LookupProduct for an unknown CIS.
var ErrProductNotFound = errors.New("product not found")

// DocumentRow is one FR document listed by the source.
type DocumentRow struct {
	ProductCode   string  // code_cis
	ProductName   string  // nom_vu
	Authorisation string  // dbo_autorisation_lib_abr
	ATCCode       string  // dbo_classe_atc_lib_abr
	ATCLabel      string  // dbo_classe_atc_lib_court
	Princeps      *string // code_vuprinceps, nil for a reference product
	DocID         int64
	FileName      string // hname
}

// Product is the enrichment of an EU row.
type Product struct {
	ProductCode string
	ProductName string
	ATCCode     string
	ATCLabel    string
	Princeps    *string
}

// Source is the read-only relational source.
type Source interface {
	// ListDocuments returns active documents of kind (RCP or Notice) in
	// source order.
	ListDocuments(ctx context.Context, kind document.Kind) ([]DocumentRow, error)
	// LookupProduct returns the first product row of a CIS ordered by ATC.
	LookupProduct(ctx context.Context, productCode string) (Product, error)
}

// Record converts a row into a document record of kind read from dir.
func (r DocumentRow) Record(kind document.Kind, dir string) document.Record {
	return document.Record{
		Kind:          kind,
		ProductCode:   r.ProductCode,
		ProductName:   r.ProductName,
		ATCCode:       r.ATCCode,
		ATCLabel:      r.ATCLabel,
		Princeps:      document.PrincepsOrDefault(r.Princeps),
		Authorisation: r.Authorisation,
		SourceDir:     dir,
		SourceName:    r.FileName,
	}
}

// Unknown is the enrichment used when a lookup fails.
func Unknown(productCode string) Product {
	return Product{
		ProductCode: productCode,
		ProductName: document.NotAvailable,
		ATCCode:     document.NotAvailable,
		ATCLabel:    document.NotAvailable,
	}
}
