package http

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Page 页面枚举. Navigation only changes the page through an explicit link or form.
type Page string

const (
	PageHome  Page = "home"
	PageLogin Page = "login"
	PageAbout Page = "about"
)

// ParsePage 解析页面参数; anything unknown lands on Home.
func ParsePage(raw string) Page {
	switch Page(strings.ToLower(strings.TrimSpace(raw))) {
	case PageLogin:
		return PageLogin
	case PageAbout:
		return PageAbout
	default:
		return PageHome
	}
}

// Title returns the navigation label.
func (p Page) Title() string {
	switch p {
	case PageLogin:
		return "Login"
	case PageAbout:
		return "About"
	default:
		return "Home"
	}
}

// URL returns the link that navigates to p.
func (p Page) URL() string {
	if p == PageHome {
		return "/"
	}
	return "/?page=" + string(p)
}

var pages = []Page{PageHome, PageLogin, PageAbout}

var featureSuffixes = map[string]string{
	"mean":  "mean",
	"se":    "standard error",
	"worst": "worst",
}

// featureLabel turns a column name such as "concave points_worst" into
// "Concave Points (worst)".
func featureLabel(name string) string {
	base, suffix := name, ""
	if i := strings.LastIndexByte(name, '_'); i > 0 {
		if s, ok := featureSuffixes[strings.ToLower(name[i+1:])]; ok {
			base, suffix = name[:i], s
		}
	}
	base = strings.Join(strings.Fields(strings.ReplaceAll(base, "_", " ")), " ")
	label := cases.Title(language.English).String(base)
	if suffix != "" {
		label += " (" + suffix + ")"
	}
	return label
}

func newPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

// formatPercent renders a probability as a percentage with two decimals.
func formatPercent(p *message.Printer, prob float64) string {
	return p.Sprintf("%.2f%%", prob*100)
}

func formatValue(p *message.Printer, v float64) string {
	return p.Sprintf("%.4f", v)
}
