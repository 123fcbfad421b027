package openaq

import "strings"

// Capitals lists the Brazilian state capitals.
var Capitals = []string{
	"Rio Branco", "Maceió", "Manaus", "Macapá", "Salvador", "Fortaleza", "Brasília",
	"Vitória", "Goiânia", "São Luís", "Cuiabá", "Campo Grande", "Belo Horizonte",
	"Belém", "João Pessoa", "Curitiba", "Recife", "Teresina", "Rio de Janeiro", "Natal",
	"Porto Alegre", "Porto Velho", "Boa Vista", "Florianópolis", "Aracaju", "São Paulo", "Palmas",
}

// FilterCapitals keeps the locations whose locality (or name, when the
// locality is empty) contains the name of a capital, case-insensitively.
func FilterCapitals(locations []Location, capitals []string) []Location {
	lowered := make([]string, 0, len(capitals))
	for _, c := range capitals {
		lowered = append(lowered, strings.ToLower(c))
	}

	var out []Location
	for _, loc := range locations {
		name := strings.ToLower(loc.City())
		for _, c := range lowered {
			if strings.Contains(name, c) {
				out = append(out, loc)
				break
			}
		}
	}
	return out
}
