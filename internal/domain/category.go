package domain

// Category is the closed taxonomy a post can be assigned. The zero value
// means the post has not been classified yet.
type Category string

const (
	CategoryUnset               Category = ""
	CategoryInstitutional       Category = "Institutional"
	CategoryTechnicalContent    Category = "Technical-Content"
	CategoryEngagement          Category = "Engagement"
	CategoryCommemorativeDate   Category = "Commemorative-Date"
	CategoryNoCaption           Category = "No-Caption"
	CategoryOther               Category = "Other"
	CategoryClassificationError Category = "Classification-Error"
)

// Categories lists every persistable category value.
var Categories = []Category{
	CategoryInstitutional,
	CategoryTechnicalContent,
	CategoryEngagement,
	CategoryCommemorativeDate,
	CategoryNoCaption,
	CategoryOther,
	CategoryClassificationError,
}

// labels written by earlier versions of the collector
var legacyLabels = map[string]Category{
	"Institucional":         CategoryInstitutional,
	"Conteúdo técnico":      CategoryTechnicalContent,
	"Engajamento":           CategoryEngagement,
	"Data comemorativa":     CategoryCommemorativeDate,
	"Sem legenda":           CategoryNoCaption,
	"Outros":                CategoryOther,
	"Erro na Classificação": CategoryClassificationError,
}

// ParseCategory maps a stored label onto the taxonomy. It accepts the
// canonical names and the legacy labels. The empty string parses as unset.
func ParseCategory(s string) (Category, bool) {
	if s == "" {
		return CategoryUnset, true
	}
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	if c, ok := legacyLabels[s]; ok {
		return c, true
	}
	return CategoryUnset, false
}

// Valid reports whether c is unset or one of the canonical categories.
func (c Category) Valid() bool {
	if c == CategoryUnset {
		return true
	}
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// IsPending reports whether a post with this category still needs a
// (re)classification attempt.
func (c Category) IsPending() bool {
	return c == CategoryUnset || c == CategoryClassificationError
}
