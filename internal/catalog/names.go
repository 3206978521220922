package catalog

import "strings"

// awsDisplayNames maps Bedrock model ids to human-readable names.
// https://docs.aws.amazon.com/bedrock/latest/userguide/model-ids.html
var awsDisplayNames = map[string]string{
	"anthropic.claude-v2":                       "Claude 2",
	"anthropic.claude-v2:1":                     "Claude 2.1",
	"anthropic.claude-3-haiku-20240307-v1:0":    "Claude 3 Haiku",
	"anthropic.claude-3-5-haiku-20241022-v1:0":  "Claude 3.5 Haiku",
	"anthropic.claude-3-sonnet-20240229-v1:0":   "Claude 3 Sonnet",
	"anthropic.claude-3-5-sonnet-20240620-v1:0": "Claude 3.5 Sonnet (Old)",
	"anthropic.claude-3-5-sonnet-20241022-v2:0": "Claude 3.5 Sonnet (New)",
	"anthropic.claude-3-7-sonnet-20250219-v1:0": "Claude 3.7 Sonnet",
	"anthropic.claude-3-opus-20240229-v1:0":     "Claude 3 Opus",
	"mistral.mistral-7b-instruct-v0:2":          "Mistral 7B Instruct",
	"mistral.mixtral-8x7b-instruct-v0:1":        "Mixtral 8x7B Instruct",
	"mistral.mistral-large-2402-v1:0":           "Mistral Large 2402",
	"mistral.mistral-large-2407-v1:0":           "Mistral Large 2407",
	"mistral.mistral-small-2402-v1:0":           "Mistral Small 2402",
}

// DisplayName returns the display name of a Bedrock model id, falling back
// to the id without its family prefix.
func DisplayName(id string) string {
	if name, ok := awsDisplayNames[id]; ok {
		return name
	}
	if _, rest, ok := strings.Cut(id, "."); ok {
		return rest
	}
	return id
}
