package runner

import "github.com/ThatCatDev/tanrenai/pocket/internal/engine"

// chatRequest is the llama-server /v1/chat/completions body, including the
// native sampling fields it accepts next to the OpenAI ones.
type chatRequest struct {
	Messages []engine.Message `json:"messages"`
	Stream   bool             `json:"stream"`

	NPredict         int      `json:"n_predict"`
	Temperature      float64  `json:"temperature"`
	TopK             int      `json:"top_k"`
	TopP             float64  `json:"top_p"`
	MinP             float64  `json:"min_p"`
	XTCThreshold     float64  `json:"xtc_threshold"`
	XTCProbability   float64  `json:"xtc_probability"`
	TypicalP         float64  `json:"typical_p"`
	RepeatLastN      int      `json:"repeat_last_n"`
	RepeatPenalty    float64  `json:"repeat_penalty"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	Mirostat         int      `json:"mirostat"`
	MirostatTau      float64  `json:"mirostat_tau"`
	MirostatEta      float64  `json:"mirostat_eta"`
	Seed             int      `json:"seed"`
	NProbs           int      `json:"n_probs"`
	Stop             []string `json:"stop,omitempty"`
	DryMultiplier    float64  `json:"dry_multiplier"`
	DryBase          float64  `json:"dry_base"`
	DryAllowedLength int      `json:"dry_allowed_length"`
	DryPenaltyLastN  int      `json:"dry_penalty_last_n"`

	ChatTemplateKwargs map[string]any `json:"chat_template_kwargs,omitempty"`
}

func newChatRequest(req engine.Request) chatRequest {
	s := req.Settings
	msgs := req.Messages
	if req.SystemPrompt != "" {
		msgs = append([]engine.Message{{Role: "system", Content: req.SystemPrompt}}, msgs...)
	}
	out := chatRequest{
		Messages:         msgs,
		Stream:           true,
		NPredict:         s.NPredict,
		Temperature:      s.Temperature,
		TopK:             s.TopK,
		TopP:             s.TopP,
		MinP:             s.MinP,
		XTCThreshold:     s.XTCThreshold,
		XTCProbability:   s.XTCProbability,
		TypicalP:         s.TypicalP,
		RepeatLastN:      s.PenaltyLastN,
		RepeatPenalty:    s.PenaltyRepeat,
		FrequencyPenalty: s.PenaltyFreq,
		PresencePenalty:  s.PenaltyPresent,
		Mirostat:         s.Mirostat,
		MirostatTau:      s.MirostatTau,
		MirostatEta:      s.MirostatEta,
		Seed:             s.Seed,
		NProbs:           s.NProbs,
		Stop:             s.Stop,
		DryMultiplier:    s.DryMultiplier,
		DryBase:          s.DryBase,
		DryAllowedLength: s.DryAllowedLength,
		DryPenaltyLastN:  s.DryPenaltyLastN,
	}
	out.ChatTemplateKwargs = map[string]any{"enable_thinking": s.EnableThinking}
	return out
}

// chatChunk is one SSE event of a streaming completion. The last chunk
// carries the timings.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Timings *engine.Timings `json:"timings,omitempty"`
}

type propsResponse struct {
	ChatTemplate string `json:"chat_template"`
	EOSToken     string `json:"eos_token"`
}

type tokenizeRequest struct {
	Content      string `json:"content"`
	AddSpecial   bool   `json:"add_special"`
	ParseSpecial bool   `json:"parse_special"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

type detokenizeRequest struct {
	Tokens []int `json:"tokens"`
}

type detokenizeResponse struct {
	Content string `json:"content"`
}
