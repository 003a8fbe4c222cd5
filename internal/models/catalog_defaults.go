package models

import "github.com/ThatCatDev/tanrenai/pocket/internal/settings"

// Built-in chat templates.
var (
	chatMLTemplate = ChatTemplate{
		Name: "chatml",
		Template: "{% for message in messages %}{{'<|im_start|>' + message['role'] + '\n' + message['content'] + '<|im_end|>' + '\n'}}{% endfor %}" +
			"{% if add_generation_prompt %}{{ '<|im_start|>assistant\n' }}{% endif %}",
		SystemPrompt: "You are a helpful assistant.",
	}
	llama3Template = ChatTemplate{
		Name: "llama3",
		Template: "{% for message in messages %}{{'<|start_header_id|>' + message['role'] + '<|end_header_id|>\n\n' + message['content'] + '<|eot_id|>'}}{% endfor %}" +
			"{% if add_generation_prompt %}{{ '<|start_header_id|>assistant<|end_header_id|>\n\n' }}{% endif %}",
	}
	gemmaTemplate = ChatTemplate{
		Name: "gemma",
		Template: "{% for message in messages %}{{'<start_of_turn>' + message['role'] + '\n' + message['content'] + '<end_of_turn>\n'}}{% endfor %}" +
			"{% if add_generation_prompt %}{{'<start_of_turn>model\n'}}{% endif %}",
	}
	phiTemplate = ChatTemplate{
		Name: "phi3",
		Template: "{% for message in messages %}{{'<|' + message['role'] + '|>\n' + message['content'] + '<|end|>\n'}}{% endfor %}" +
			"{% if add_generation_prompt %}{{ '<|assistant|>\n' }}{% endif %}",
	}
)

func preset(id, name, author, repo, filename string, size int64, tpl ChatTemplate) Model {
	s := settings.Default()
	return Model{
		ID:                        id,
		Name:                      name,
		Origin:                    OriginPreset,
		Author:                    author,
		Repo:                      repo,
		Filename:                  filename,
		DownloadURL:               "https://huggingface.co/" + author + "/" + repo + "/resolve/main/" + filename,
		Size:                      size,
		DefaultChatTemplate:       tpl,
		ChatTemplate:              tpl,
		DefaultCompletionSettings: s,
		CompletionSettings:        s.Clone(),
	}
}

// DefaultCatalog returns the built-in preset models.
func DefaultCatalog() []Model {
	return []Model{
		preset("qwen2.5-1.5b-instruct-q8_0", "Qwen2.5 1.5B Instruct (Q8_0)",
			"Qwen", "Qwen2.5-1.5B-Instruct-GGUF", "qwen2.5-1.5b-instruct-q8_0.gguf",
			1894532128, chatMLTemplate),
		preset("llama-3.2-1b-instruct-q8_0", "Llama 3.2 1B Instruct (Q8_0)",
			"bartowski", "Llama-3.2-1B-Instruct-GGUF", "Llama-3.2-1B-Instruct-Q8_0.gguf",
			1321082528, llama3Template),
		preset("gemma-2-2b-it-q6_k", "Gemma 2 2B IT (Q6_K)",
			"bartowski", "gemma-2-2b-it-GGUF", "gemma-2-2b-it-Q6_K.gguf",
			2151393120, gemmaTemplate),
		preset("phi-3.5-mini-instruct-q4_k_m", "Phi 3.5 Mini Instruct (Q4_K_M)",
			"bartowski", "Phi-3.5-mini-instruct-GGUF", "Phi-3.5-mini-instruct-Q4_K_M.gguf",
			2393232672, phiTemplate),
	}
}
