package llm

// PromptMessages turns a single-turn request into a message list:
// an optional system message followed by the prompt as a user message.
func PromptMessages(req *GenerationRequest) []Message {
	msgs := make([]Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, NewMessage(RoleSystem, req.System))
	}
	return append(msgs, NewMessage(RoleUser, req.Prompt))
}

// AttachImages returns a copy of msgs where the last user message carries
// the given data URLs after any images it already had. msgs is not modified.
func AttachImages(msgs []Message, dataURLs []string) ([]Message, error) {
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, Protocolf("vision", "no user message to attach images to")
	}

	out := make([]Message, len(msgs))
	copy(out, msgs)
	images := make([]string, 0, len(msgs[idx].Images)+len(dataURLs))
	images = append(images, msgs[idx].Images...)
	images = append(images, dataURLs...)
	out[idx].Images = images
	return out, nil
}

// CheckChat validates the parts of a chat request every backend needs.
func CheckChat(op string, req *GenerationRequest) error {
	if req == nil {
		return Protocolf(op, "nil request")
	}
	if len(req.Messages) == 0 {
		return Protocolf(op, "at least one message is required")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return Protocolf(op, "message %d has unsupported role %q", i, m.Role)
		}
	}
	if err := req.KeepAlive.Validate(); err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	return nil
}

// CheckGenerate validates a single-turn request.
func CheckGenerate(op string, req *GenerationRequest) error {
	if req == nil {
		return Protocolf(op, "nil request")
	}
	if err := req.KeepAlive.Validate(); err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	return nil
}

// ClampedTemperature returns the clamped temperature, or nil when unset.
func (r *GenerationRequest) ClampedTemperature() *float64 {
	if r.Temperature == nil {
		return nil
	}
	t := ClampTemperature(*r.Temperature)
	return &t
}
