package fingerprint

import "strings"

// ScriptTechnology maps a script src to a framework name.
func ScriptTechnology(src string) string {
	lower := strings.ToLower(src)
	switch {
	case strings.Contains(lower, "react"):
		return "React"
	case strings.Contains(lower, "angular"):
		return "Angular"
	case strings.Contains(lower, "vue"):
		return "Vue.js"
	case strings.Contains(lower, "jquery"):
		return "jQuery"
	}
	return ""
}

// GeneratorTechnology maps a <meta name="generator"> value to a technology
// name. Unknown generators are reported verbatim.
func GeneratorTechnology(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "wordpress"):
		return "WordPress"
	case strings.Contains(lower, "drupal"):
		return "Drupal"
	case strings.Contains(lower, "joomla"):
		return "Joomla"
	}
	return "Generator: " + content
}

// StylesheetTechnology maps a stylesheet href to a CSS framework name.
func StylesheetTechnology(href string) string {
	lower := strings.ToLower(href)
	switch {
	case strings.Contains(lower, "bootstrap"):
		return "Bootstrap"
	case strings.Contains(lower, "tailwind"):
		return "Tailwind CSS"
	case strings.Contains(lower, "foundation"):
		return "Foundation"
	}
	return ""
}
