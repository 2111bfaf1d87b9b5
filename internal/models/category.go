package models

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Document categories. The classifier never returns anything else.
const (
	CategoryInvoice     = "Facture"
	CategoryContract    = "Contrat"
	CategoryIDDocument  = "Pièce d'identité"
	CategoryBankStmt    = "Relevé bancaire"
	CategoryPayslip     = "Bulletin de salaire"
	CategoryTaxNotice   = "Avis d'imposition"
	CategoryReceipt     = "Quittance"
	CategoryCertificate = "Attestation"
	CategoryLetter      = "Courrier"
	CategoryUnknown     = "Autre"
)

// Categories lists the closed enumeration in display order.
var Categories = []string{
	CategoryInvoice,
	CategoryContract,
	CategoryIDDocument,
	CategoryBankStmt,
	CategoryPayslip,
	CategoryTaxNotice,
	CategoryReceipt,
	CategoryCertificate,
	CategoryLetter,
	CategoryUnknown,
}

var categorySynonyms = map[string]string{
	"invoice":          CategoryInvoice,
	"bill":             CategoryInvoice,
	"contract":         CategoryContract,
	"agreement":        CategoryContract,
	"id":               CategoryIDDocument,
	"id document":      CategoryIDDocument,
	"identity card":    CategoryIDDocument,
	"passport":         CategoryIDDocument,
	"carte d'identite": CategoryIDDocument,
	"passeport":        CategoryIDDocument,
	"bank statement":   CategoryBankStmt,
	"payslip":          CategoryPayslip,
	"pay slip":         CategoryPayslip,
	"fiche de paie":    CategoryPayslip,
	"tax notice":       CategoryTaxNotice,
	"receipt":          CategoryReceipt,
	"recu":             CategoryReceipt,
	"certificate":      CategoryCertificate,
	"letter":           CategoryLetter,
	"lettre":           CategoryLetter,
	"other":            CategoryUnknown,
	"unknown":          CategoryUnknown,
	"inconnu":          CategoryUnknown,
}

var categoryIndex = func() map[string]string {
	idx := make(map[string]string, len(Categories)+len(categorySynonyms))
	for _, c := range Categories {
		idx[foldCategory(c)] = c
	}
	for k, v := range categorySynonyms {
		idx[foldCategory(k)] = v
	}
	return idx
}()

// NormalizeCategory maps a free-form label onto the closed enumeration.
// Matching ignores case, accents and surrounding whitespace; anything that
// does not match degrades to CategoryUnknown.
func NormalizeCategory(label string) string {
	if c, ok := categoryIndex[foldCategory(label)]; ok {
		return c
	}
	return CategoryUnknown
}

// IsCategory reports whether label is exactly one of Categories.
func IsCategory(label string) bool {
	for _, c := range Categories {
		if c == label {
			return true
		}
	}
	return false
}

func foldCategory(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ReplaceAll(out, "’", "'")
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}
