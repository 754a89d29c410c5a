package executor

import (
	"encoding/base64"
	"strings"
)

func encodeMedia(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// wantsMedia reports whether the request expects inline generated media:
// an explicit IMAGE response modality, or the last user message matching
// one of the configured keyword substrings (case-insensitive).
func wantsMedia(req GenerateRequest, keywords []string) bool {
	if req.GenerationConfig != nil {
		for _, m := range req.GenerationConfig.ResponseModalities {
			if strings.EqualFold(m, "IMAGE") {
				return true
			}
		}
	}

	text := strings.ToLower(lastMessageText(req.Contents))
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
