package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// CurrencyThreshold is the magnitude from which numbers are shown as money.
const CurrencyThreshold = 100

// Formatter renders values for one locale.
type Formatter struct {
	printer    *message.Printer
	currency   string
	dateLayout string
	weekdays   *[7]string
}

var weekdayNames = map[string][7]string{
	"pt": {"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"},
	"es": {"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"},
}

// NewFormatter returns a Formatter for locale (BCP 47, e.g. "pt-BR") using
// symbol as the currency sign. An unparsable locale falls back to pt-BR.
func NewFormatter(locale, symbol string) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.BrazilianPortuguese
	}
	if symbol == "" {
		symbol = "R$"
	}
	layout := "02/01/2006"
	if region, _ := tag.Region(); region.String() == "US" {
		layout = "01/02/2006"
	}
	f := &Formatter{printer: message.NewPrinter(tag), currency: symbol, dateLayout: layout}
	base, _ := tag.Base()
	if names, ok := weekdayNames[base.String()]; ok {
		f.weekdays = &names
	}
	return f
}

// Date formats the calendar date of t.
func (f *Formatter) Date(t time.Time) string {
	return t.Format(f.dateLayout)
}

// Weekday names the day of the week of t, in English when the locale has
// no table.
func (f *Formatter) Weekday(t time.Time) string {
	if f.weekdays == nil {
		return t.Weekday().String()
	}
	return f.weekdays[t.Weekday()]
}

// Number formats v with grouping and at most two decimals.
func (f *Formatter) Number(v float64) string {
	return f.printer.Sprint(number.Decimal(v, number.MaxFractionDigits(2)))
}

// Currency formats v as money with exactly two decimals.
func (f *Formatter) Currency(v float64) string {
	s := f.printer.Sprint(number.Decimal(math.Abs(v), number.MinFractionDigits(2), number.MaxFractionDigits(2)))
	if v < 0 {
		return "-" + f.currency + " " + s
	}
	return f.currency + " " + s
}

// Value formats a query cell. Numbers whose magnitude reaches
// CurrencyThreshold are shown as money; nil becomes an empty string.
func (f *Formatter) Value(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if math.Abs(x) >= CurrencyThreshold {
			return f.Currency(x)
		}
		return f.Number(x)
	case float32:
		return f.Value(float64(x))
	case int:
		return f.Value(float64(x))
	case int64:
		return f.Value(float64(x))
	case bool:
		return strconv.FormatBool(x)
	case string:
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return f.Date(t)
		}
		if t, err := time.Parse("2006-01-02T15:04:05", x); err == nil {
			return f.Date(t)
		}
		return x
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
