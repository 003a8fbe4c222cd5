package inference

import (
	"context"
	"strings"

	"github.com/ThatCatDev/tanrenai/pocket/internal/engine"
	"github.com/ThatCatDev/tanrenai/pocket/internal/models"
)

// knownStopMarkers are end-of-turn markers used by common chat templates.
// A marker is only added to a model's stop list when one of its templates
// actually contains it.
var knownStopMarkers = []string{
	"</s>",
	"<|end|>",
	"<|eot_id|>",
	"<|end_of_text|>",
	"<|im_end|>",
	"<|EOT|>",
	"<|END_OF_TURN_TOKEN|>",
	"<|end_of_turn|>",
	"<end_of_turn>",
	"<|endoftext|>",
}

// stopWords derives the stop words of a freshly loaded context: the
// detokenized EOS token followed by every known marker present in the
// model's configured template or the engine's built-in one.
func stopWords(ctx context.Context, ec engine.Context, m models.Model) ([]string, error) {
	var words []string
	meta := ec.Metadata()
	if meta.EOSTokenID >= 0 {
		eos, err := ec.Detokenize(ctx, []int{meta.EOSTokenID})
		if err != nil {
			return nil, err
		}
		if eos != "" {
			words = append(words, eos)
		}
	}

	templates := []string{m.ChatTemplate.Template, meta.ChatTemplate}
	for _, marker := range knownStopMarkers {
		for _, tpl := range templates {
			if strings.Contains(tpl, marker) {
				words = append(words, marker)
				break
			}
		}
	}
	return words, nil
}
