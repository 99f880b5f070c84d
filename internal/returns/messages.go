package returns

import (
	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const processedKey = "Return %s processed: %d lines restocked"

func init() {
	_ = message.Set(language.English, processedKey, plural.Selectf(2, "%d",
		plural.One, "Return %[1]s processed: %[2]d line restocked",
		plural.Other, "Return %[1]s processed: %[2]d lines restocked"))
	_ = message.Set(language.Spanish, processedKey, plural.Selectf(2, "%d",
		plural.One, "Devolución %[1]s procesada: %[2]d línea reabastecida",
		plural.Other, "Devolución %[1]s procesada: %[2]d líneas reabastecidas"))
}
