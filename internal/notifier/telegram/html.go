package telegram

import (
	"html"
	"strings"
)

// htm is HTML that is already safe for ParseMode HTML.
type htm string

func esc(s string) htm { return htm(html.EscapeString(s)) }

func wrap(tag string, inner htm) htm {
	return htm("<" + tag + ">" + string(inner) + "</" + tag + ">")
}

func bold(s string) htm   { return wrap("b", esc(s)) }
func italic(s string) htm { return wrap("i", esc(s)) }

// joinHTML joins the non-blank parts with sep.
func joinHTML(sep string, parts ...htm) htm {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		ss = append(ss, string(p))
	}
	return htm(strings.Join(ss, sep))
}
