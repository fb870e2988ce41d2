package domain

// DefaultLanguages seeds the lookup table on first migration.
var DefaultLanguages = []Language{
	{DisplayName: "Plain Text", Alias: "plaintext"},
	{DisplayName: "Bash", Alias: "bash"},
	{DisplayName: "C", Alias: "c"},
	{DisplayName: "C++", Alias: "cpp"},
	{DisplayName: "CSS", Alias: "css"},
	{DisplayName: "Go", Alias: "go"},
	{DisplayName: "HTML", Alias: "html"},
	{DisplayName: "Java", Alias: "java"},
	{DisplayName: "JavaScript", Alias: "javascript"},
	{DisplayName: "JSON", Alias: "json"},
	{DisplayName: "Markdown", Alias: "markdown"},
	{DisplayName: "PHP", Alias: "php"},
	{DisplayName: "Python", Alias: "python"},
	{DisplayName: "SQL", Alias: "sql"},
	{DisplayName: "XML", Alias: "xml"},
	{DisplayName: "YAML", Alias: "yaml"},
}
