package providers

import (
	"strings"

	"github.com/BaSui01/queenbee/types"
)

// ChooseModel selects the model by priority: request, config, then the
// provider default.
func ChooseModel(requested, configModel, defaultModel string) string {
	if requested != "" {
		return requested
	}
	if configModel != "" {
		return configModel
	}
	return defaultModel
}

// SplitSystem extracts system messages into one instruction and returns the
// remaining turns with consecutive same-role messages merged. APIs that
// require strict user/assistant alternation accept the result as is.
func SplitSystem(msgs []types.Message) (string, []types.Message) {
	var system []string
	turns := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
			turns[n-1].Content += "\n\n" + m.Content
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}
