package dialogue

import (
	"strings"
)

// Category is one offer line the user can pick before qualification.
type Category struct {
	ID          string   `yaml:"id" json:"id"`
	Label       string   `yaml:"label" json:"label"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	Description string   `yaml:"description" json:"description"`
	Photos      []string `yaml:"photos" json:"photos"`
}

// Catalog is the ordered set of categories.
type Catalog struct {
	Categories []Category `yaml:"categories" json:"categories"`
}

// DefaultCatalog returns the built-in real-estate catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		Categories: []Category{
			{
				ID:       "propiedad",
				Label:    "Propiedad Mina NL",
				Keywords: []string{"casa*", "propiedad*", "vivienda*", "residencia*"},
				Description: "Propiedad Mina NL: casa lista para habitar en Mina, Nuevo León, " +
					"con opciones de crédito amortizable o pago flexible.",
				Photos: []string{
					"https://res.cloudinary.com/coinsa/image/upload/v1/propiedad-mina/fachada.jpg",
					"https://res.cloudinary.com/coinsa/image/upload/v1/propiedad-mina/interior.jpg",
					"https://res.cloudinary.com/coinsa/image/upload/v1/propiedad-mina/patio.jpg",
				},
			},
			{
				ID:       "terreno",
				Label:    "Terreno Mina NL",
				Keywords: []string{"terreno*", "lote*", "predio*"},
				Description: "Terreno Mina NL: lotes con servicios en Mina, Nuevo León, " +
					"ideales para construir o invertir, con tasas sobre saldos.",
				Photos: []string{
					"https://res.cloudinary.com/coinsa/image/upload/v1/terreno-mina/vista.jpg",
					"https://res.cloudinary.com/coinsa/image/upload/v1/terreno-mina/acceso.jpg",
				},
			},
		},
	}
}

// Find returns the category with the given id.
func (c *Catalog) Find(id string) (Category, bool) {
	for _, cat := range c.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return Category{}, false
}

// Match returns the first category whose keywords occur in text, using the
// same word-boundary rules as the classifier.
func (c *Catalog) Match(text string) (Category, bool) {
	padded := " " + normalize(text) + " "
	for _, cat := range c.Categories {
		if compileRule(Rule{Keywords: cat.Keywords}).matches(padded) {
			return cat, true
		}
	}
	return Category{}, false
}

// Overview lists every category with its description, one per line.
func (c *Catalog) Overview() string {
	lines := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		lines = append(lines, "• "+cat.Description)
	}
	return strings.Join(lines, "\n")
}

// Labels returns the category labels joined for a prompt ("A o B").
func (c *Catalog) Labels() string {
	labels := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		labels = append(labels, cat.Label)
	}
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	}
	return strings.Join(labels[:len(labels)-1], ", ") + " o " + labels[len(labels)-1]
}
