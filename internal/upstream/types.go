package upstream

import "encoding/json"

// Chunk is one piece of generated content extracted from a streamAssist
// response object, handed to the executor's chunk sink.
type Chunk struct {
	Text    string
	Thought bool

	// FinishReason is non-empty only on the chunk carrying a terminal
	// state: "STOP" for SUCCEEDED, "MAX_TOKENS" for any other
	// terminal-looking state.
	FinishReason string

	// SessionInfo is the raw, upstream-defined session metadata blob
	// attached to the final answer object, when present.
	SessionInfo []byte
}

// streamAssistObject is the shape of one JSON object in the upstream's
// concatenated-array response, per spec:
//
//	{ streamAssistResponse: { answer: { state, replies: [...] }, sessionInfo? } }
type streamAssistObject struct {
	StreamAssistResponse *struct {
		Answer *struct {
			State   string `json:"state"`
			Replies []struct {
				GroundedContent struct {
					Content struct {
						Text    string `json:"text"`
						Thought *bool  `json:"thought"`
					} `json:"content"`
				} `json:"groundedContent"`
			} `json:"replies"`
		} `json:"answer"`
		SessionInfo *json.RawMessage `json:"sessionInfo,omitempty"`
	} `json:"streamAssistResponse"`
}

// mapTerminalState classifies an upstream answer state into the public
// API's finishReason vocabulary. Empty state means the chunk is not
// terminal. "SUCCEEDED" is the normal terminal state; anything else
// terminal-looking (non-empty, non-SUCCEEDED) maps to MAX_TOKENS.
func mapTerminalState(state string) (finishReason string, terminal bool) {
	switch state {
	case "":
		return "", false
	case "SUCCEEDED":
		return "STOP", true
	default:
		return "MAX_TOKENS", true
	}
}

// sessionCreateRequest is the payload posted to the upstream's
// session-creation endpoint.
type sessionCreateRequest struct {
	CSesIdx string `json:"cSesIdx"`
}

type sessionCreateResponse struct {
	SessionName string `json:"sessionName"`
}

// streamAssistRequest is the payload posted to the upstream's streaming
// assist endpoint.
type streamAssistRequest struct {
	SessionName string `json:"sessionName"`
	Query       string `json:"query"`
	ModelID     string `json:"modelId,omitempty"`
}

// mediaMetadata describes the latest generated file the executor fetches
// when a request carries media intent.
type mediaMetadata struct {
	FileID   string `json:"fileId"`
	MimeType string `json:"mimeType"`
}
