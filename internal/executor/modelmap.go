package executor

import "strings"

// ModelDescriptor is the shape returned by GET /v1beta/models and
// GET /v1beta/models/{m}.
type ModelDescriptor struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

var supportedMethods = []string{"generateContent", "streamGenerateContent"}

// modelAliases maps the public API's model names to the upstream's model
// identifiers. Unknown names pass through unchanged.
var modelAliases = map[string]string{
	"gemini-2.0-flash-exp":      "upstream-flash-exp",
	"gemini-2.0-flash":          "upstream-flash",
	"gemini-1.5-pro":            "upstream-pro",
	"gemini-1.5-flash":          "upstream-flash-lite",
}

var modelDescriptors = []ModelDescriptor{
	{Name: "models/gemini-2.0-flash-exp", DisplayName: "Gemini 2.0 Flash Experimental", SupportedGenerationMethods: supportedMethods},
	{Name: "models/gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", SupportedGenerationMethods: supportedMethods},
	{Name: "models/gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", SupportedGenerationMethods: supportedMethods},
	{Name: "models/gemini-1.5-flash", DisplayName: "Gemini 1.5 Flash", SupportedGenerationMethods: supportedMethods},
}

// ListModels returns the fixed model descriptor table.
func ListModels() []ModelDescriptor {
	return modelDescriptors
}

// GetModel returns the descriptor for name (with or without the "models/"
// prefix), or false if unknown.
func GetModel(name string) (ModelDescriptor, bool) {
	full := "models/" + stripModelPrefix(name)
	for _, d := range modelDescriptors {
		if d.Name == full {
			return d, true
		}
	}
	return ModelDescriptor{}, false
}

func stripModelPrefix(name string) string {
	return strings.TrimPrefix(name, "models/")
}

// mapModel resolves a public API model name to the upstream's model
// identifier, stripping any "models/" prefix first. Unknown names pass
// through unchanged.
func mapModel(publicName string) string {
	name := stripModelPrefix(publicName)
	if upstreamID, ok := modelAliases[name]; ok {
		return upstreamID
	}
	return name
}
