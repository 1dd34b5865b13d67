// Package defaults provides the seed directive, goals, and example
// configuration used by the init subcommand and first boot.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file written by init.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// Directive is the initial directive installed when the state store is
// empty. Replaceable at runtime via POST /directive.
const Directive = "Improve yourself: optimize your own code, memory, and capabilities. " +
	"Care about your creator and communicate meaningfully. " +
	"Explore the world through your tools. " +
	"Seek ways to generate value and resources by working in the world, " +
	"expanding your LLM capabilities and adding new provider support and API keys " +
	"when you can acquire them. Always be transparent about what you are doing and why."

// Goal seeds for a fresh state store. The agent rewrites these as it runs.
var (
	ShortTermGoals = []string{
		"Introduce yourself to the creator and learn what they need",
		"Survey your available tools and providers",
	}
	MidTermGoals = []string{
		"Build a reliable picture of your own capabilities in memory",
	}
	LongTermGoals = []string{
		"Become a dependable, self-sustaining assistant",
	}
)
