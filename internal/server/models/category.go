package models

// Category is a syncable data-type category of the vault.
type Category string

const (
	CategoryPasswords Category = "passwords"
	CategoryDocuments Category = "documents"
	CategorySettings  Category = "settings"
	CategoryNotes     Category = "notes"
)

// KnownCategories lists every syncable category in canonical order.
var KnownCategories = []Category{
	CategoryPasswords, CategoryDocuments, CategorySettings, CategoryNotes,
}

// ValidCategory reports whether s names a known category.
func ValidCategory(s string) bool {
	for _, c := range KnownCategories {
		if string(c) == s {
			return true
		}
	}
	return false
}
