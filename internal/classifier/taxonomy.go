package classifier

import (
	"fmt"
	"strings"

	"post_pipeline/internal/domain"
)

// Labels the model is asked to answer with.
const (
	labelInstitutional     = "Institucional"
	labelTechnicalContent  = "Conteúdo técnico"
	labelEngagement        = "Engajamento"
	labelCommemorativeDate = "Data comemorativa"
)

var exactLabels = map[string]domain.Category{
	labelInstitutional:                       domain.CategoryInstitutional,
	labelTechnicalContent:                    domain.CategoryTechnicalContent,
	labelEngagement:                          domain.CategoryEngagement,
	labelCommemorativeDate:                   domain.CategoryCommemorativeDate,
	string(domain.CategoryInstitutional):     domain.CategoryInstitutional,
	string(domain.CategoryTechnicalContent):  domain.CategoryTechnicalContent,
	string(domain.CategoryEngagement):        domain.CategoryEngagement,
	string(domain.CategoryCommemorativeDate): domain.CategoryCommemorativeDate,
}

type stemRule struct {
	category domain.Category
	stems    []string
}

// Checked in order; the first rule with a matching stem wins.
var stemRules = []stemRule{
	{domain.CategoryInstitutional, []string{"institucional", "institutional", "venda"}},
	{domain.CategoryTechnicalContent, []string{"técnico", "tecnico", "technical", "educati", "dica"}},
	{domain.CategoryEngagement, []string{"engajament", "engagement", "interaç", "interac", "pergunta"}},
	{domain.CategoryCommemorativeDate, []string{"data", "comemorati", "commemorati"}},
}

var markupReplacer = strings.NewReplacer("*", "", "_", "", "`", "", "#", "")

// Normalize maps free text returned by the model onto the taxonomy. It never
// returns an unset category: anything unrecognised becomes CategoryOther.
func Normalize(raw string) domain.Category {
	s := cleanResponse(raw)
	if c, ok := exactLabels[s]; ok {
		return c
	}

	lower := strings.ToLower(s)
	for _, rule := range stemRules {
		for _, stem := range rule.stems {
			if strings.Contains(lower, stem) {
				return rule.category
			}
		}
	}
	return domain.CategoryOther
}

func cleanResponse(raw string) string {
	s := markupReplacer.Replace(strings.TrimSpace(raw))
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".")
	s = strings.Trim(s, "\"'“”")
	return strings.TrimSpace(s)
}

const promptTemplate = `Analise esta legenda do Instagram e classifique em UMA destas categorias:
- %s: Quando promove ou menciona produtos, serviços, vendas
- %s: Quando ensina, explica, dá dicas ou informações educativas
- %s: Quando faz perguntas, pede opiniões, incentiva interação
- %s: Quando menciona datas especiais, feriados, celebrações

Legenda: "%s"

Responda APENAS com o nome da categoria, sem explicações, sem pontuação.`

// BuildPrompt embeds the caption, cut to maxChars runes, into the fixed
// classification instruction. maxChars <= 0 disables truncation.
func BuildPrompt(caption string, maxChars int) string {
	return fmt.Sprintf(promptTemplate,
		labelInstitutional,
		labelTechnicalContent,
		labelEngagement,
		labelCommemorativeDate,
		truncate(caption, maxChars),
	)
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
