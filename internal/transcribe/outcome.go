package transcribe

// OutcomeKind classifies the result of one transcription attempt.
type OutcomeKind int

const (
	// OutcomeSuccess: a non-empty transcript was obtained.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeNoSpeech: the service ran but found no speech. Informational,
	// not an error.
	OutcomeNoSpeech
	// OutcomeRateLimited: the caller should back off and may retry later.
	OutcomeRateLimited
	// OutcomeFailed: transport or service error.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoSpeech:
		return "no_speech"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a transcription attempt.
type Outcome struct {
	Kind     OutcomeKind
	Text     string // set for OutcomeSuccess
	Err      error  // set for OutcomeFailed
	Provider string
	Model    string
}

func success(text, provider, model string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Text: text, Provider: provider, Model: model}
}

func noSpeech(provider, model string) Outcome {
	return Outcome{Kind: OutcomeNoSpeech, Provider: provider, Model: model}
}

func rateLimited(provider, model string) Outcome {
	return Outcome{Kind: OutcomeRateLimited, Provider: provider, Model: model}
}

func failed(err error, provider, model string) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err, Provider: provider, Model: model}
}
